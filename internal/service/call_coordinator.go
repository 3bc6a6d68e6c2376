package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/errors"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/negotiation"
	"chatrelay/internal/scheduler"
	"chatrelay/internal/validation"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var (
	// ErrCallEstablishment wraps every failed signaling send.
	ErrCallEstablishment = stderrors.New("call establishment failed")
	ErrCallInProgress    = stderrors.New("a call is already in progress")
	ErrNoActiveCall      = stderrors.New("no call in progress")
	// ErrSignalingOffline is the cause of sends attempted while the scheduler
	// is paused for lost connectivity.
	ErrSignalingOffline = stderrors.New("signaling unavailable while offline")
)

// SignalRelay is the relay transport. *relayclient.Client implements it.
type SignalRelay interface {
	SendSignal(ctx context.Context, env models.SignalEnvelope) (*models.SignalEnvelope, error)
	PollSignals(ctx context.Context, callID string) ([]*models.SignalEnvelope, error)
	EndSession(ctx context.Context, sessionID string) error
}

// SessionKeepAlive keeps the call's relay session alive. *keepalive.KeepAlive
// implements it.
type SessionKeepAlive interface {
	Start(ctx context.Context, sessionID string) error
	Stop()
	OnLost(fn func(sessionID string, err error))
}

type CallState string

const (
	CallIdle       CallState = "idle"
	CallConnecting CallState = "connecting"
	CallActive     CallState = "active"
	CallEnded      CallState = "ended"
	CallFailed     CallState = "failed"
)

func (s CallState) terminal() bool {
	return s == CallEnded || s == CallFailed
}

type CallRole string

const (
	RoleCaller CallRole = "caller"
	RoleCallee CallRole = "callee"
)

// Call is a snapshot of the coordinator's current call.
type Call struct {
	ID        string
	Peer      string
	Role      CallRole
	State     CallState
	SessionID string
	StartedAt time.Time
	EndedAt   *time.Time
	Remote    *webrtc.SessionDescription
}

// CallCoordinator runs one call at a time: it exchanges negotiation data
// through the relay and keeps the relay session alive while the call is
// active.
type CallCoordinator struct {
	relay     SignalRelay
	keepAlive SessionKeepAlive
	scheduler *scheduler.Scheduler
	selfID    string
	logger    *logrus.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	sendTimeout time.Duration

	// lifecycle orders keep-alive Start and Stop with the call transitions
	// that trigger them. Taken before mu.
	lifecycle sync.Mutex
	mu        sync.Mutex
	call      *Call
	listeners []func(Call)
}

func NewCallCoordinator(selfID string, relay SignalRelay, keepAlive SessionKeepAlive, sched *scheduler.Scheduler, logger *logrus.Logger) *CallCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &CallCoordinator{
		relay:       relay,
		keepAlive:   keepAlive,
		scheduler:   sched,
		selfID:      selfID,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		sendTimeout: constants.DefaultSignalSendTimeout,
	}
	keepAlive.OnLost(c.onSessionLost)
	return c
}

// OnStateChange registers fn to receive every call state transition.
func (c *CallCoordinator) OnStateChange(fn func(Call)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Current returns the current call, including a finished one, until the
// next call begins.
func (c *CallCoordinator) Current() (Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return Call{State: CallIdle}, false
	}
	return *c.call, true
}

// StartCall opens a call to peer and sends the offer.
func (c *CallCoordinator) StartCall(ctx context.Context, peer, offerSDP string) (Call, error) {
	if err := validation.ValidateID("peer", peer); err != nil {
		return Call{}, err
	}
	payload, err := negotiation.EncodeDescription(models.SignalOffer, offerSDP)
	if err != nil {
		return Call{}, err
	}
	c.scheduler.CancelLowPriority()

	if err := c.begin(uuid.NewString(), peer, RoleCaller); err != nil {
		return Call{}, err
	}
	if err := c.send(ctx, models.SignalOffer, payload); err != nil {
		return c.snapshot(), err
	}
	return c.snapshot(), nil
}

// IncomingCall registers a call offered by peer so its signals can be
// polled before it is accepted.
func (c *CallCoordinator) IncomingCall(callID, peer string) error {
	if err := validation.ValidateID("callId", callID); err != nil {
		return err
	}
	if err := validation.ValidateID("peer", peer); err != nil {
		return err
	}
	return c.begin(callID, peer, RoleCallee)
}

// AcceptCall answers the incoming call. The call is active once the answer
// is delivered to the relay.
func (c *CallCoordinator) AcceptCall(ctx context.Context, answerSDP string) (Call, error) {
	c.scheduler.CancelLowPriority()

	c.mu.Lock()
	if c.call == nil || c.call.State != CallConnecting || c.call.Role != RoleCallee {
		c.mu.Unlock()
		return Call{}, ErrNoActiveCall
	}
	c.mu.Unlock()

	if err := c.SendAnswer(ctx, answerSDP); err != nil {
		return c.snapshot(), err
	}
	c.activate()
	return c.snapshot(), nil
}

func (c *CallCoordinator) SendOffer(ctx context.Context, sdp string) error {
	payload, err := negotiation.EncodeDescription(models.SignalOffer, sdp)
	if err != nil {
		return err
	}
	return c.send(ctx, models.SignalOffer, payload)
}

func (c *CallCoordinator) SendAnswer(ctx context.Context, sdp string) error {
	payload, err := negotiation.EncodeDescription(models.SignalAnswer, sdp)
	if err != nil {
		return err
	}
	return c.send(ctx, models.SignalAnswer, payload)
}

func (c *CallCoordinator) SendCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	payload, err := negotiation.EncodeCandidate(candidate)
	if err != nil {
		return err
	}
	return c.send(ctx, models.SignalICECandidate, payload)
}

// PollSignals takes the envelopes waiting for this endpoint on the current
// call. Envelopes that fail validation or come from anyone but the peer are
// dropped. An answer activates a call this endpoint started.
func (c *CallCoordinator) PollSignals(ctx context.Context) ([]models.SignalEnvelope, error) {
	call := c.snapshot()
	if call.ID == "" || call.State.terminal() {
		return nil, ErrNoActiveCall
	}

	envs, err := c.relay.PollSignals(ctx, call.ID)
	if err != nil {
		return nil, err
	}

	out := make([]models.SignalEnvelope, 0, len(envs))
	for _, env := range envs {
		if env == nil {
			continue
		}
		fields := logrus.Fields{
			LogFieldCallID:     call.ID,
			LogFieldSignalType: env.Type,
			LogFieldPeer:       peerField(env.From),
		}
		if env.From != call.Peer || env.CallID != call.ID {
			c.logger.WithFields(fields).Warn("Dropping envelope from unexpected sender")
			metrics.IncrementCounter("call_signals_dropped_total", map[string]string{"reason": "sender"}, "Inbound envelopes dropped")
			continue
		}
		if err := negotiation.Validate(env.Type, env.Payload); err != nil {
			errors.WrapLogger(c.logger).LogWarn(err, "Dropping malformed envelope", fields)
			metrics.IncrementCounter("call_signals_dropped_total", map[string]string{"reason": "invalid"}, "Inbound envelopes dropped")
			continue
		}

		switch env.Type {
		case models.SignalAnswer, models.SignalOffer:
			desc, _ := negotiation.DecodeDescription(env.Type, env.Payload)
			c.mu.Lock()
			if c.call != nil && c.call.ID == call.ID {
				c.call.Remote = &desc
			}
			c.mu.Unlock()
			if env.Type == models.SignalAnswer && call.Role == RoleCaller {
				c.activate()
			}
		}
		out = append(out, *env)
	}
	return out, nil
}

// EndCall ends the current call locally. Keep-alive stops before this
// returns; the relay session is released best effort.
func (c *CallCoordinator) EndCall(ctx context.Context) error {
	call, ok := c.finish("", CallEnded)
	if !ok {
		return ErrNoActiveCall
	}
	if err := c.relay.EndSession(ctx, call.SessionID); err != nil && errors.GetCode(err) != errors.ErrCodeNotFound {
		errors.WrapLogger(c.logger).LogWarn(err, "Failed to release relay session", logrus.Fields{
			LogFieldCallID:    call.ID,
			LogFieldSessionID: call.SessionID,
		})
	}
	return nil
}

// HandleRemoteEnd ends callID because the peer hung up.
func (c *CallCoordinator) HandleRemoteEnd(callID string) {
	if _, ok := c.finish(callID, CallEnded); ok {
		c.logger.WithField(LogFieldCallID, callID).Info("Call ended by peer")
	}
}

// Close ends any call in progress and stops the keep-alive.
func (c *CallCoordinator) Close() {
	c.finish("", CallEnded)
	c.cancel()
}

func (c *CallCoordinator) begin(callID, peer string, role CallRole) error {
	c.mu.Lock()
	if c.call != nil && !c.call.State.terminal() {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	c.call = &Call{
		ID:        callID,
		Peer:      peer,
		Role:      role,
		State:     CallConnecting,
		SessionID: callID + ":" + c.selfID,
		StartedAt: time.Now().UTC(),
	}
	snapshot, listeners := *c.call, c.listeners
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		LogFieldCallID: callID,
		LogFieldPeer:   peerField(peer),
		"role":         role,
	}).Info("Call connecting")
	notifyCall(listeners, snapshot)
	return nil
}

func (c *CallCoordinator) send(ctx context.Context, t models.SignalType, payload string) error {
	call := c.snapshot()
	if call.ID == "" || call.State.terminal() {
		return ErrNoActiveCall
	}

	env := models.SignalEnvelope{
		CallID:  call.ID,
		From:    c.selfID,
		To:      call.Peer,
		Type:    t,
		Payload: payload,
	}

	var err error
	if c.scheduler.Stats().Paused {
		err = errors.WrapRetryable(ErrSignalingOffline, errors.ErrCodeTransient, "signaling send skipped")
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
		future := c.scheduler.Submit(sendCtx, func(ctx context.Context) (any, error) {
			return c.relay.SendSignal(ctx, env)
		}, scheduler.Critical)
		_, err = future.Wait(sendCtx)
		cancel()
	}

	if err != nil {
		metrics.IncrementCounter("call_signal_send_failures_total", map[string]string{"type": string(t)}, "Signaling sends that failed")
		errors.WrapLogger(c.logger).LogError(err, "Signaling send failed", logrus.Fields{
			LogFieldCallID:     call.ID,
			LogFieldSignalType: t,
		})
		if call.State == CallConnecting {
			c.finish(call.ID, CallFailed)
		}
		return fmt.Errorf("%w: %s: %w", ErrCallEstablishment, t, err)
	}
	metrics.IncrementCounter("call_signals_sent_total", map[string]string{"type": string(t)}, "Signaling envelopes sent")
	return nil
}

func (c *CallCoordinator) activate() {
	c.lifecycle.Lock()
	c.mu.Lock()
	if c.call == nil || c.call.State != CallConnecting {
		c.mu.Unlock()
		c.lifecycle.Unlock()
		return
	}
	c.call.State = CallActive
	snapshot, listeners := *c.call, c.listeners
	c.mu.Unlock()

	err := c.keepAlive.Start(c.ctx, snapshot.SessionID)
	c.lifecycle.Unlock()

	if err != nil {
		errors.WrapLogger(c.logger).LogWarn(err, "Keep-alive did not start", logrus.Fields{LogFieldCallID: snapshot.ID})
	}
	metrics.IncrementCounter("calls_active_total", nil, "Calls that became active")
	c.logger.WithField(LogFieldCallID, snapshot.ID).Info("Call active")
	notifyCall(listeners, snapshot)
}

// finish moves the current call to state when it matches callID (any call
// when empty) and is not already finished. The keep-alive is stopped before
// finish returns, even when activation is still starting it.
func (c *CallCoordinator) finish(callID string, state CallState) (Call, bool) {
	c.lifecycle.Lock()
	c.mu.Lock()
	if c.call == nil || c.call.State.terminal() || (callID != "" && c.call.ID != callID) {
		c.mu.Unlock()
		c.lifecycle.Unlock()
		return Call{}, false
	}
	wasActive := c.call.State == CallActive
	now := time.Now().UTC()
	c.call.State = state
	c.call.EndedAt = &now
	snapshot, listeners := *c.call, c.listeners
	c.mu.Unlock()

	if wasActive {
		c.keepAlive.Stop()
	}
	c.lifecycle.Unlock()

	c.logger.WithFields(logrus.Fields{
		LogFieldCallID:    snapshot.ID,
		LogFieldCallState: state,
		LogFieldDuration:  now.Sub(snapshot.StartedAt).Milliseconds(),
	}).Info("Call finished")
	notifyCall(listeners, snapshot)
	return snapshot, true
}

func (c *CallCoordinator) onSessionLost(sessionID string, err error) {
	c.mu.Lock()
	var callID string
	if c.call != nil && c.call.SessionID == sessionID {
		callID = c.call.ID
	}
	c.mu.Unlock()
	if callID == "" {
		return
	}
	errors.WrapLogger(c.logger).LogWarn(err, "Relay no longer recognises call session", logrus.Fields{LogFieldCallID: callID})
	c.HandleRemoteEnd(callID)
}

func (c *CallCoordinator) snapshot() Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return Call{State: CallIdle}
	}
	return *c.call
}

func notifyCall(listeners []func(Call), call Call) {
	for _, fn := range listeners {
		fn(call)
	}
}
