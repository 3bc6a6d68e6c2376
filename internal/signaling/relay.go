package signaling

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/errors"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/tracing"
	"chatrelay/internal/validation"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Store is the relay holding area. *database.Database implements it.
type Store interface {
	SaveEnvelope(ctx context.Context, env *models.SignalEnvelope) error
	TakeEnvelopes(ctx context.Context, callID, recipient string, limit int) ([]*models.SignalEnvelope, error)
	PurgeEnvelopesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ClaimSession(ctx context.Context, session *models.CallSession) (*models.CallSession, error)
	GetSession(ctx context.Context, sessionID string) (*models.CallSession, error)
	DeleteSession(ctx context.Context, sessionID string) error
	PurgeStaleSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

type mailbox struct {
	callID    string
	recipient string
}

// Relay is the store-and-forward channel for session negotiation. Reads are
// destructive: an envelope is handed out at most once.
type Relay struct {
	store    Store
	logger   *logrus.Logger
	maxBatch int
	pollGap  time.Duration

	mu          sync.Mutex
	subscribers map[mailbox]map[chan struct{}]struct{}
}

func NewRelay(store Store, logger *logrus.Logger, config models.SignalingConfig) *Relay {
	pollGap := time.Duration(config.StreamPollMs) * time.Millisecond
	if pollGap <= 0 {
		pollGap = time.Duration(constants.DefaultStreamPollMs) * time.Millisecond
	}
	return &Relay{
		store:       store,
		logger:      logger,
		maxBatch:    100,
		pollGap:     pollGap,
		subscribers: make(map[mailbox]map[chan struct{}]struct{}),
	}
}

// Send stores env for its recipient. The caller must be the envelope's sender.
func (r *Relay) Send(ctx context.Context, caller string, env models.SignalEnvelope) (*models.SignalEnvelope, error) {
	ctx, span := tracing.StartSpan(ctx, "relay.send",
		attribute.String("call.id", env.CallID),
		attribute.String("signal.type", string(env.Type)),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	if err = validateEnvelope(env); err != nil {
		return nil, err
	}
	if caller != env.From {
		err = errors.NewAuthorizationError(caller, env.From)
		r.logger.WithFields(logrus.Fields{
			"caller":  errors.MaskID(caller),
			"claimed": errors.MaskID(env.From),
			"call_id": env.CallID,
		}).Warn("Rejected envelope sent on behalf of another endpoint")
		metrics.IncrementCounter("relay_rejected_total", map[string]string{"op": "send"}, "Relay requests rejected for authorization")
		return nil, err
	}

	env.ID = ulid.Make().String()
	env.CreatedAt = time.Now().UTC()
	if err = r.store.SaveEnvelope(ctx, &env); err != nil {
		err = errors.NewDatabaseError("save envelope", err)
		return nil, err
	}

	metrics.IncrementCounter("relay_envelopes_sent_total", map[string]string{"type": string(env.Type)}, "Envelopes accepted by the relay")
	r.logger.WithFields(logrus.Fields{
		"envelope_id": env.ID,
		"call_id":     env.CallID,
		"type":        env.Type,
		"to":          errors.MaskID(env.To),
	}).Debug("Envelope stored")

	r.wake(mailbox{callID: env.CallID, recipient: env.To})
	return &env, nil
}

// Poll returns and removes every envelope held for (callID, to), oldest
// first. The caller must be the recipient.
func (r *Relay) Poll(ctx context.Context, caller, callID, to string) ([]*models.SignalEnvelope, error) {
	ctx, span := tracing.StartSpan(ctx, "relay.poll", attribute.String("call.id", callID))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	if err = validation.ValidateID("callId", callID); err != nil {
		return nil, err
	}
	if err = validation.ValidateID("to", to); err != nil {
		return nil, err
	}
	if caller != to {
		err = errors.NewAuthorizationError(caller, to)
		r.logger.WithFields(logrus.Fields{
			"caller":  errors.MaskID(caller),
			"claimed": errors.MaskID(to),
			"call_id": callID,
		}).Warn("Rejected poll of another endpoint's envelopes")
		metrics.IncrementCounter("relay_rejected_total", map[string]string{"op": "poll"}, "Relay requests rejected for authorization")
		return nil, err
	}

	var out []*models.SignalEnvelope
	for {
		batch, takeErr := r.store.TakeEnvelopes(ctx, callID, to, r.maxBatch)
		if takeErr != nil {
			err = errors.NewDatabaseError("take envelopes", takeErr)
			// Envelopes already taken in earlier batches are gone from the
			// store; hand them out rather than lose them.
			if len(out) > 0 {
				r.logger.WithError(takeErr).WithField("call_id", callID).Warn("Partial poll, returning envelopes already taken")
				return out, nil
			}
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < r.maxBatch {
			break
		}
	}

	if len(out) > 0 {
		metrics.AddToCounter("relay_envelopes_delivered_total", float64(len(out)), nil, "Envelopes handed to recipients")
	}
	span.SetAttributes(attribute.Int("envelopes", len(out)))
	return out, nil
}

// Stream delivers envelopes for (callID, caller) as they arrive until ctx is
// done or deliver fails. Delivery uses the same destructive read as Poll, so
// an envelope whose deliver call fails is not redelivered.
func (r *Relay) Stream(ctx context.Context, caller, callID string, deliver func([]*models.SignalEnvelope) error) error {
	if err := validation.ValidateID("callId", callID); err != nil {
		return err
	}
	if err := validation.ValidateID("caller", caller); err != nil {
		return err
	}

	box := mailbox{callID: callID, recipient: caller}
	wake := r.subscribe(box)
	defer r.unsubscribe(box, wake)

	// Fallback poll covers envelopes stored by another relay instance.
	ticker := time.NewTicker(r.pollGap)
	defer ticker.Stop()

	for {
		envs, err := r.Poll(ctx, caller, callID, caller)
		if err != nil {
			return err
		}
		if len(envs) > 0 {
			if err := deliver(envs); err != nil {
				return fmt.Errorf("deliver envelopes: %w", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (r *Relay) subscribe(box mailbox) chan struct{} {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribers[box] == nil {
		r.subscribers[box] = make(map[chan struct{}]struct{})
	}
	r.subscribers[box][ch] = struct{}{}
	metrics.SetGauge("relay_streams_active", float64(r.countLocked()), nil, "Open envelope streams")
	return ch
}

func (r *Relay) unsubscribe(box mailbox, ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers[box], ch)
	if len(r.subscribers[box]) == 0 {
		delete(r.subscribers, box)
	}
	metrics.SetGauge("relay_streams_active", float64(r.countLocked()), nil, "Open envelope streams")
}

func (r *Relay) countLocked() int {
	n := 0
	for _, subs := range r.subscribers {
		n += len(subs)
	}
	return n
}

func (r *Relay) wake(box mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subscribers[box] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Heartbeat records that caller's session is alive. A session id belongs to
// the endpoint that first claimed it; ids of the form "<callId>:<endpoint>"
// can only be claimed by that endpoint.
func (r *Relay) Heartbeat(ctx context.Context, caller, sessionID string) (*models.CallSession, error) {
	if err := validation.ValidateID("sessionId", sessionID); err != nil {
		return nil, err
	}
	if owner, ok := sessionOwner(sessionID); ok && owner != caller {
		return nil, errors.NewAuthorizationError(caller, owner)
	}

	now := time.Now().UTC()
	stored, err := r.store.ClaimSession(ctx, &models.CallSession{SessionID: sessionID, Endpoint: caller, StartedAt: now, LastSeen: now})
	if err != nil {
		return nil, errors.NewDatabaseError("claim session", err)
	}
	if stored.Endpoint != caller {
		return nil, errors.NewAuthorizationError(caller, stored.Endpoint)
	}
	metrics.IncrementCounter("relay_heartbeats_total", nil, "Session liveness reports")
	return stored, nil
}

// sessionOwner reads the endpoint suffix of a "<callId>:<endpoint>" id.
func sessionOwner(sessionID string) (string, bool) {
	i := strings.LastIndexByte(sessionID, ':')
	if i <= 0 || i == len(sessionID)-1 {
		return "", false
	}
	return sessionID[i+1:], true
}

// EndSession removes caller's session record.
func (r *Relay) EndSession(ctx context.Context, caller, sessionID string) error {
	existing, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return errors.NewDatabaseError("get session", err)
	}
	if existing == nil {
		return errors.NewNotFoundError("session", sessionID)
	}
	if existing.Endpoint != caller {
		return errors.NewAuthorizationError(caller, existing.Endpoint)
	}
	if err := r.store.DeleteSession(ctx, sessionID); err != nil {
		return errors.NewDatabaseError("delete session", err)
	}
	return nil
}

func validateEnvelope(env models.SignalEnvelope) error {
	for field, value := range map[string]string{"callId": env.CallID, "from": env.From, "to": env.To} {
		if err := validation.ValidateID(field, value); err != nil {
			return err
		}
	}
	if env.From == env.To {
		return errors.NewValidationError("to", "sender and recipient must differ")
	}
	if !env.Type.Valid() {
		return errors.NewValidationError("type", fmt.Sprintf("unknown signal type %q", env.Type))
	}
	if env.Payload == "" {
		return errors.NewValidationError("payload", "cannot be empty")
	}
	if len(env.Payload) > constants.MaxEnvelopePayloadBytes {
		return errors.NewValidationError("payload", fmt.Sprintf("too large (max %d bytes)", constants.MaxEnvelopePayloadBytes))
	}
	return nil
}
