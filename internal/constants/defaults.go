package constants

import "time"

// Retry controller defaults
const (
	DefaultMaxAttempts           = 5
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 100
	DefaultMaxBackoffMs          = 2000
)

// DefaultRetrySchedule is the delay before attempt n+1 after the n-th failure.
// Attempts beyond the table reuse the last entry.
var DefaultRetrySchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Scheduler defaults
const (
	MinConcurrency        = 1
	MaxConcurrency        = 5
	DefaultMaxConcurrency = 3
	DefaultQueueDrainSec  = 15
	ActionQueueNamespace  = "chatrelay.action_queue"
)

// Keep-alive defaults
const (
	DefaultLivenessIntervalSec = 5
	DefaultRefreshIntervalSec  = 30
	DefaultHeartbeatTimeoutSec = 10
)

// Connectivity probe defaults
const (
	DefaultProbeIntervalSec = 10
	DefaultProbeTimeoutMs   = 3000
	GoodLinkLatencyMs       = 150
	FairLinkLatencyMs       = 600
)

// Signaling relay defaults
const (
	DefaultEnvelopeTTLSec     = 120
	DefaultSessionStaleSec    = 60
	DefaultCleanupIntervalSec = 30
	DefaultStreamPollMs       = 250
	DefaultSignalSendTimeout  = 10 * time.Second
	MaxEnvelopePayloadBytes   = 64 * 1024
	MaxIDLength               = 128
)

// Auth defaults
const (
	DefaultTokenIssuer     = "chatrelay"
	DefaultTokenTTLSec     = 900
	MinJWTSecretLength     = 32
	DefaultRelayTimeoutSec = 10
)

// Server defaults
const (
	DefaultServerPort            = 8082
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	ServerErrorChannelSize       = 1
	MaxRequestBodyBytes          = 128 * 1024
)

// Privacy settings
const (
	DefaultIDMaskLength = 4
)

// Storage encryption
const (
	EncryptionSalt        = "chatrelay-payload-at-rest-v1"
	EncryptionSecretEnv   = "CHATRELAY_ENCRYPTION_SECRET"
	EncryptionEnabledEnv  = "CHATRELAY_ENABLE_ENCRYPTION"
	MinEncryptionSecret   = 32
	MaxMediaCaptionLength = 4096
	MaxMessageLength      = 16 * 1024
)
