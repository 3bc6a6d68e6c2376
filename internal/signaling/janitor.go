package signaling

import (
	"context"
	"sync"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"

	"github.com/sirupsen/logrus"
)

// Janitor purges envelopes nobody collected and sessions that stopped
// reporting liveness.
type Janitor struct {
	store       Store
	logger      *logrus.Logger
	envelopeTTL time.Duration
	sessionTTL  time.Duration
	interval    time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewJanitor(store Store, logger *logrus.Logger, config models.SignalingConfig) *Janitor {
	j := &Janitor{
		store:       store,
		logger:      logger,
		envelopeTTL: time.Duration(config.EnvelopeTTLSec) * time.Second,
		sessionTTL:  time.Duration(config.SessionStaleSec) * time.Second,
		interval:    time.Duration(config.CleanupIntervalSec) * time.Second,
		stopCh:      make(chan struct{}),
	}
	if j.envelopeTTL <= 0 {
		j.envelopeTTL = time.Duration(constants.DefaultEnvelopeTTLSec) * time.Second
	}
	if j.sessionTTL <= 0 {
		j.sessionTTL = time.Duration(constants.DefaultSessionStaleSec) * time.Second
	}
	if j.interval <= 0 {
		j.interval = time.Duration(constants.DefaultCleanupIntervalSec) * time.Second
	}
	return j
}

func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.WithFields(logrus.Fields{
		"interval":     j.interval.String(),
		"envelope_ttl": j.envelopeTTL.String(),
		"session_ttl":  j.sessionTTL.String(),
	}).Info("Starting relay janitor")

	j.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Relay janitor context cancelled, stopping")
			return
		case <-j.stopCh:
			j.logger.Info("Relay janitor stop signal received, stopping")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// RunOnce performs a single cleanup pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	now := time.Now()

	envelopes, err := j.store.PurgeEnvelopesBefore(ctx, now.Add(-j.envelopeTTL))
	if err != nil {
		j.logger.WithError(err).Error("Failed to purge expired envelopes")
	} else if envelopes > 0 {
		metrics.AddToCounter("relay_envelopes_expired_total", float64(envelopes), nil, "Envelopes dropped after their TTL")
		j.logger.WithField("count", envelopes).Info("Purged expired envelopes")
	}

	sessions, err := j.store.PurgeStaleSessions(ctx, now.Add(-j.sessionTTL))
	if err != nil {
		j.logger.WithError(err).Error("Failed to purge stale sessions")
	} else if sessions > 0 {
		metrics.AddToCounter("relay_sessions_expired_total", float64(sessions), nil, "Call sessions dropped after missing heartbeats")
		j.logger.WithField("count", sessions).Info("Purged stale call sessions")
	}
}
