package models

import "time"

// HeartbeatSession is the live-session context tracked by the keep-alive.
type HeartbeatSession struct {
	SessionID             string    `json:"sessionId"`
	StartedAt             time.Time `json:"startedAt"`
	LastLivenessAck       time.Time `json:"lastLivenessAck"`
	LastCredentialRefresh time.Time `json:"lastCredentialRefresh"`
}

// IsStale reports whether no liveness ack was recorded within threshold.
// A session that has never been acked is measured from StartedAt.
func (s HeartbeatSession) IsStale(now time.Time, threshold time.Duration) bool {
	last := s.LastLivenessAck
	if last.IsZero() {
		last = s.StartedAt
	}
	return now.Sub(last) > threshold
}
