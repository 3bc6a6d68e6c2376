package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chatrelay/internal/auth"
	"chatrelay/internal/constants"
	"chatrelay/internal/errors"
	"chatrelay/internal/httputil"
	"chatrelay/internal/middleware"
	"chatrelay/internal/models"
	"chatrelay/internal/signaling"
	"chatrelay/internal/validation"
	"chatrelay/internal/versioning"
	"chatrelay/pkg/relayclient"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const streamWriteTimeout = 10 * time.Second

// HealthChecker reports whether the relay's store is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type Server struct {
	router *mux.Router
	logger *logrus.Logger
	relay  *signaling.Relay
	issuer *auth.Issuer
	health HealthChecker
	config models.ServerConfig
	server *http.Server
}

func NewServer(config models.ServerConfig, relay *signaling.Relay, issuer *auth.Issuer, health HealthChecker, logger *logrus.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
		relay:  relay,
		issuer: issuer,
		health: health,
		config: config,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	negotiate := versioning.Negotiate(s.logger)

	// Refresh checks the presented token itself.
	s.router.Handle("/v1/auth/refresh", negotiate(
		versioning.RequireCapability(versioning.CapabilityTokenRefresh)(s.handleRefresh()),
	)).Methods(http.MethodPost)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(negotiate, auth.RequireAuth(s.issuer, s.logger))
	api.HandleFunc("/calls/{callId}/signals", s.handleSendSignal()).Methods(http.MethodPost)
	api.HandleFunc("/calls/{callId}/signals", s.handlePollSignals()).Methods(http.MethodGet)
	api.Handle("/calls/{callId}/signals/stream",
		versioning.RequireCapability(versioning.CapabilitySignalStream)(s.handleStreamSignals()),
	).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sessionId}/heartbeat", s.handleHeartbeat()).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sessionId}", s.handleEndSession()).Methods(http.MethodDelete)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	port := s.config.Port
	if port == 0 {
		port = constants.DefaultServerPort
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  seconds(s.config.ReadTimeoutSec, constants.DefaultServerReadTimeoutSec),
		WriteTimeout: seconds(s.config.WriteTimeoutSec, constants.DefaultServerWriteTimeoutSec),
		IdleTimeout:  seconds(s.config.IdleTimeoutSec, constants.DefaultServerIdleTimeoutSec),
	}

	s.logger.Infof("Starting server on port %d", port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func seconds(configured, fallback int) time.Duration {
	if configured <= 0 {
		configured = fallback
	}
	return time.Duration(configured) * time.Second
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.health.HealthCheck(ctx); err != nil {
			s.logger.WithError(err).Warn("Health check failed")
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleRefresh() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred, err := s.issuer.Refresh(httputil.BearerToken(r))
		if err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, cred)
	}
}

func (s *Server) handleSendSignal() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := auth.EndpointFromContext(r.Context())

		var req relayclient.SendRequest
		r.Body = http.MaxBytesReader(w, r.Body, constants.MaxRequestBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteError(w, r, s.logger, errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed request body"))
			return
		}
		if req.From == "" {
			req.From = caller
		}

		sent, err := s.relay.Send(r.Context(), caller, models.SignalEnvelope{
			CallID:  mux.Vars(r)["callId"],
			From:    req.From,
			To:      req.To,
			Type:    req.Type,
			Payload: req.Payload,
		})
		if err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, sent)
	}
}

// handlePollSignals hands out the caller's waiting envelopes. The optional
// "to" query parameter must name the caller.
func (s *Server) handlePollSignals() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := auth.EndpointFromContext(r.Context())
		to := r.URL.Query().Get("to")
		if to == "" {
			to = caller
		}

		envs, err := s.relay.Poll(r.Context(), caller, mux.Vars(r)["callId"], to)
		if err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		if envs == nil {
			envs = []*models.SignalEnvelope{}
		}
		httputil.WriteJSON(w, http.StatusOK, relayclient.PollResponse{Envelopes: envs})
	}
}

// handleStreamSignals pushes the caller's envelopes over a websocket as they
// arrive. Each envelope is one JSON text message.
func (s *Server) handleStreamSignals() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := auth.EndpointFromContext(r.Context())
		callID := mux.Vars(r)["callId"]
		if err := validation.ValidateID("callId", callID); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}

		// The server's write timeout must not cut a long-lived stream.
		rc := http.NewResponseController(w)
		_ = rc.SetReadDeadline(time.Time{})
		_ = rc.SetWriteDeadline(time.Time{})

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.WithError(err).Warn("Websocket upgrade failed")
			return
		}
		defer conn.CloseNow()

		ctx := conn.CloseRead(r.Context())
		fields := logrus.Fields{"call_id": callID, "endpoint": errors.MaskID(caller)}
		s.logger.WithFields(fields).Debug("Signal stream opened")

		err = s.relay.Stream(ctx, caller, callID, func(envs []*models.SignalEnvelope) error {
			for _, env := range envs {
				writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
				err := wsjson.Write(writeCtx, conn, env)
				cancel()
				if err != nil {
					return err
				}
			}
			return nil
		})
		if ctx.Err() != nil {
			s.logger.WithFields(fields).Debug("Signal stream closed")
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		s.logger.WithFields(fields).WithError(err).Warn("Signal stream failed")
		conn.Close(websocket.StatusInternalError, "stream failed")
	}
}

func (s *Server) handleHeartbeat() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := auth.EndpointFromContext(r.Context())
		session, err := s.relay.Heartbeat(r.Context(), caller, mux.Vars(r)["sessionId"])
		if err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, session)
	}
}

func (s *Server) handleEndSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := auth.EndpointFromContext(r.Context())
		if err := s.relay.EndSession(r.Context(), caller, mux.Vars(r)["sessionId"]); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
