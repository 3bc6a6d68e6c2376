package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/errors"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/tracing"
	"chatrelay/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

const (
	breakerMaxFailures = 5
	breakerOpenTimeout = 30 * time.Second
	maxErrorBodyBytes  = 4096
)

// SendRequest is the body of a signal send. An empty From means the
// authenticated endpoint; any other value must match it.
type SendRequest struct {
	From    string            `json:"from,omitempty"`
	To      string            `json:"to"`
	Type    models.SignalType `json:"type"`
	Payload string            `json:"payload"`
}

// PollResponse is returned by the signal poll endpoint.
type PollResponse struct {
	Envelopes []*models.SignalEnvelope `json:"envelopes"`
}

// Client talks to the relay server on behalf of one endpoint.
type Client struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger

	mu    sync.RWMutex
	token string
}

func New(config models.RelayConfig, httpClient *http.Client, logger *logrus.Logger) *Client {
	if httpClient == nil {
		timeout := time.Duration(config.TimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = time.Duration(constants.DefaultRelayTimeoutSec) * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        "relay",
		MaxFailures: breakerMaxFailures,
		OpenTimeout: breakerOpenTimeout,
		IsFailure:   errors.IsRetryable,
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.SetGauge("circuit_breaker_state", float64(to), map[string]string{"name": name}, "Circuit breaker state (0 closed, 1 open, 2 half-open)")
		},
	}, logger)

	return &Client{
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		client:  httpClient,
		breaker: breaker,
		logger:  logger,
	}
}

// SetToken replaces the bearer credential used for every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.GetState()
}

// SendSignal posts one envelope. The relay rejects an env.From that differs
// from the authenticated endpoint.
func (c *Client) SendSignal(ctx context.Context, env models.SignalEnvelope) (*models.SignalEnvelope, error) {
	endpoint := fmt.Sprintf("/v1/calls/%s/signals", url.PathEscape(env.CallID))
	body := SendRequest{From: env.From, To: env.To, Type: env.Type, Payload: env.Payload}

	var sent models.SignalEnvelope
	if err := c.do(ctx, http.MethodPost, endpoint, body, &sent); err != nil {
		return nil, err
	}
	return &sent, nil
}

// PollSignals takes every envelope waiting for this endpoint on callID.
func (c *Client) PollSignals(ctx context.Context, callID string) ([]*models.SignalEnvelope, error) {
	endpoint := fmt.Sprintf("/v1/calls/%s/signals", url.PathEscape(callID))

	var resp PollResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Envelopes, nil
}

func (c *Client) Heartbeat(ctx context.Context, sessionID string) (*models.CallSession, error) {
	endpoint := fmt.Sprintf("/v1/sessions/%s/heartbeat", url.PathEscape(sessionID))

	var session models.CallSession
	if err := c.do(ctx, http.MethodPost, endpoint, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	endpoint := fmt.Sprintf("/v1/sessions/%s", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// ReportLiveness satisfies the keep-alive liveness reporter.
func (c *Client) ReportLiveness(ctx context.Context, sessionID string) error {
	_, err := c.Heartbeat(ctx, sessionID)
	return err
}

// RefreshCredential exchanges the current token and keeps the new one.
func (c *Client) RefreshCredential(ctx context.Context, _ string) (*models.Credential, error) {
	var cred models.Credential
	if err := c.do(ctx, http.MethodPost, "/v1/auth/refresh", nil, &cred); err != nil {
		return nil, err
	}
	c.SetToken(cred.Token)
	return &cred, nil
}

// Health checks the relay's health endpoint without a credential.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	start := time.Now()
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.roundTrip(ctx, method, endpoint, body, out)
	})
	if circuitbreaker.IsCircuitBreakerError(err) {
		err = errors.WrapRetryable(err, errors.ErrCodeRelayAPI, "relay unavailable")
	}

	status := "ok"
	if err != nil {
		status = string(errors.GetCode(err))
	}
	metrics.RecordTimer("relay_client_request_duration", time.Since(start), map[string]string{"method": method, "status": status}, "Relay client request latency")
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if requestID := tracing.GetRequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"endpoint": endpoint,
	}).Debug("Relay request")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "relay request cancelled")
		}
		return errors.NewAPIError("relay", endpoint, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(endpoint, resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.WrapRetryable(err, errors.ErrCodeRelayAPI, "failed to decode relay response")
	}
	return nil
}

func decodeError(endpoint string, resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var parsed errors.HTTPErrorResponse
	message := strings.TrimSpace(string(bodyBytes))
	if json.Unmarshal(bodyBytes, &parsed) == nil && parsed.Error.Message != "" {
		message = fmt.Sprintf("%s: %s", parsed.Error.Code, parsed.Error.Message)
	}
	return errors.NewAPIError("relay", endpoint, resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, message))
}
