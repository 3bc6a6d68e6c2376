package keepalive

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/errors"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"

	"github.com/sirupsen/logrus"
)

var ErrAlreadyActive = stderrors.New("keep-alive already active")

// LivenessReporter tells the session's authoritative record it is still in use.
type LivenessReporter interface {
	ReportLiveness(ctx context.Context, sessionID string) error
}

// CredentialRefresher renews the credential the session runs on.
type CredentialRefresher interface {
	RefreshCredential(ctx context.Context, sessionID string) (*models.Credential, error)
}

type State int

const (
	Inactive State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "inactive"
}

// KeepAlive runs the liveness and credential-refresh timers of one session
// at a time. After Stop returns no reporter or refresher call is made for
// the stopped session.
type KeepAlive struct {
	reporter  LivenessReporter
	refresher CredentialRefresher
	logger    *logrus.Logger
	liveness  time.Duration
	refresh   time.Duration
	timeout   time.Duration

	mu      sync.Mutex
	state   State
	session models.HeartbeatSession
	gen     uint64
	cancel  context.CancelFunc
	onLost  func(sessionID string, err error)

	// Held shared by every outgoing call and exclusively by Stop.
	callMu sync.RWMutex
	wg     sync.WaitGroup
}

func New(reporter LivenessReporter, refresher CredentialRefresher, config models.KeepAliveConfig, logger *logrus.Logger) *KeepAlive {
	k := &KeepAlive{
		reporter:  reporter,
		refresher: refresher,
		logger:    logger,
		liveness:  time.Duration(config.LivenessIntervalSec) * time.Second,
		refresh:   time.Duration(config.RefreshIntervalSec) * time.Second,
		timeout:   time.Duration(constants.DefaultHeartbeatTimeoutSec) * time.Second,
	}
	if k.liveness <= 0 {
		k.liveness = time.Duration(constants.DefaultLivenessIntervalSec) * time.Second
	}
	if k.refresh <= 0 {
		k.refresh = time.Duration(constants.DefaultRefreshIntervalSec) * time.Second
	}
	return k
}

// OnLost registers a callback for sessions the server no longer recognises.
// It runs on its own goroutine and may call Stop.
func (k *KeepAlive) OnLost(fn func(sessionID string, err error)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onLost = fn
}

// Start activates the keep-alive for sessionID: one credential refresh right
// away, then liveness and refresh on independent timers.
func (k *KeepAlive) Start(ctx context.Context, sessionID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state == Active {
		return ErrAlreadyActive
	}

	runCtx, cancel := context.WithCancel(ctx)
	k.gen++
	k.state = Active
	k.cancel = cancel
	k.session = models.HeartbeatSession{SessionID: sessionID, StartedAt: time.Now().UTC()}
	gen := k.gen

	k.wg.Add(2)
	go k.refreshLoop(runCtx, gen)
	go k.livenessLoop(runCtx, gen)

	metrics.SetGauge("keepalive_active", 1, nil, "Whether a session keep-alive is running")
	k.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"liveness":   k.liveness.String(),
		"refresh":    k.refresh.String(),
	}).Info("Session keep-alive started")
	return nil
}

// Stop cancels both timers and waits for any call already in progress.
func (k *KeepAlive) Stop() {
	k.mu.Lock()
	if k.state != Active {
		k.mu.Unlock()
		return
	}
	k.state = Inactive
	k.gen++
	k.cancel()
	sessionID := k.session.SessionID
	k.mu.Unlock()

	k.callMu.Lock()
	//nolint:staticcheck // empty critical section waits out in-progress calls
	k.callMu.Unlock()
	k.wg.Wait()

	metrics.SetGauge("keepalive_active", 0, nil, "Whether a session keep-alive is running")
	k.logger.WithField("session_id", sessionID).Info("Session keep-alive stopped")
}

func (k *KeepAlive) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Session returns the tracked session and whether one is active.
func (k *KeepAlive) Session() (models.HeartbeatSession, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.session, k.state == Active
}

func (k *KeepAlive) livenessLoop(ctx context.Context, gen uint64) {
	defer k.wg.Done()
	ticker := time.NewTicker(k.liveness)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.guarded(ctx, gen, k.reportLiveness)
		}
	}
}

func (k *KeepAlive) refreshLoop(ctx context.Context, gen uint64) {
	defer k.wg.Done()
	k.guarded(ctx, gen, k.refreshCredential)

	ticker := time.NewTicker(k.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.guarded(ctx, gen, k.refreshCredential)
		}
	}
}

// guarded runs fn only while gen is still the active generation. A tick that
// fired just before Stop is dropped here.
func (k *KeepAlive) guarded(ctx context.Context, gen uint64, fn func(ctx context.Context, sessionID string)) {
	k.callMu.RLock()
	defer k.callMu.RUnlock()

	k.mu.Lock()
	live := k.state == Active && k.gen == gen
	sessionID := k.session.SessionID
	k.mu.Unlock()
	if !live || ctx.Err() != nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	fn(callCtx, sessionID)
}

func (k *KeepAlive) reportLiveness(ctx context.Context, sessionID string) {
	err := k.reporter.ReportLiveness(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.IncrementCounter("keepalive_liveness_failures_total", nil, "Liveness reports that failed")
		errors.WrapLogger(k.logger).LogWarn(err, "Liveness report failed", logrus.Fields{"session_id": sessionID})
		if code := errors.GetCode(err); code == errors.ErrCodeNotFound || code == errors.ErrCodeAuthorization {
			k.lost(sessionID, err)
		}
		return
	}

	k.mu.Lock()
	if k.session.SessionID == sessionID {
		k.session.LastLivenessAck = time.Now().UTC()
	}
	k.mu.Unlock()
	metrics.IncrementCounter("keepalive_liveness_total", nil, "Liveness reports acknowledged")
}

// Refresh failures are logged only; the session keeps running.
func (k *KeepAlive) refreshCredential(ctx context.Context, sessionID string) {
	cred, err := k.refresher.RefreshCredential(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.IncrementCounter("keepalive_refresh_failures_total", nil, "Credential refreshes that failed")
		errors.WrapLogger(k.logger).LogWarn(err, "Credential refresh failed, session continues", logrus.Fields{"session_id": sessionID})
		return
	}

	k.mu.Lock()
	if k.session.SessionID == sessionID {
		k.session.LastCredentialRefresh = time.Now().UTC()
	}
	k.mu.Unlock()

	fields := logrus.Fields{"session_id": sessionID}
	if cred != nil {
		fields["expires_at"] = cred.ExpiresAt
	}
	k.logger.WithFields(fields).Debug("Credential refreshed")
	metrics.IncrementCounter("keepalive_refresh_total", nil, "Credential refreshes completed")
}

func (k *KeepAlive) lost(sessionID string, err error) {
	k.mu.Lock()
	fn := k.onLost
	k.mu.Unlock()
	if fn != nil {
		go fn(sessionID, err)
	}
}
