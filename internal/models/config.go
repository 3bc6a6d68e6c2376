package models

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Retry     RetryConfig     `json:"retry"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Queue     QueueConfig     `json:"queue"`
	KeepAlive KeepAliveConfig `json:"keepalive"`
	Network   NetworkConfig   `json:"network"`
	Signaling SignalingConfig `json:"signaling"`
	Auth      AuthConfig      `json:"auth"`
	Relay     RelayConfig     `json:"relay"`
	Tracing   TracingConfig   `json:"tracing"`
	LogLevel  string          `json:"log_level"`
}

// ServerConfig holds HTTP server settings for the relay
type ServerConfig struct {
	Port            int `json:"port"`
	ReadTimeoutSec  int `json:"read_timeout_sec"`
	WriteTimeoutSec int `json:"write_timeout_sec"`
	IdleTimeoutSec  int `json:"idle_timeout_sec"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path"`
}

// RetryConfig holds the retry backoff table and attempt ceiling.
// ScheduleMs is treated as configuration; any non-decreasing table is valid.
type RetryConfig struct {
	ScheduleMs  []int `json:"schedule_ms"`
	MaxAttempts int   `json:"max_attempts"`
}

// SchedulerConfig bounds request concurrency
type SchedulerConfig struct {
	MaxConcurrency int `json:"max_concurrency"`
}

// QueueConfig controls periodic draining of the action queue
type QueueConfig struct {
	DrainIntervalSec int `json:"drain_interval_sec"`
}

// KeepAliveConfig holds heartbeat cadences for interactive sessions
type KeepAliveConfig struct {
	LivenessIntervalSec int `json:"liveness_interval_sec"`
	RefreshIntervalSec  int `json:"refresh_interval_sec"`
}

// NetworkConfig controls connectivity probing
type NetworkConfig struct {
	ProbeURL         string `json:"probe_url"`
	ProbeIntervalSec int    `json:"probe_interval_sec"`
	ProbeTimeoutMs   int    `json:"probe_timeout_ms"`
}

// SignalingConfig controls relay retention
type SignalingConfig struct {
	EnvelopeTTLSec     int `json:"envelope_ttl_sec"`
	SessionStaleSec    int `json:"session_stale_sec"`
	CleanupIntervalSec int `json:"cleanup_interval_sec"`
	StreamPollMs       int `json:"stream_poll_ms"`
}

// AuthConfig controls endpoint credentials. Secret comes from the environment.
type AuthConfig struct {
	Issuer      string `json:"issuer"`
	TokenTTLSec int    `json:"token_ttl_sec"`
	Secret      string `json:"-"`
}

// RelayConfig is the client-side view of the relay server
type RelayConfig struct {
	BaseURL    string `json:"base_url"`
	TimeoutSec int    `json:"timeout_sec"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
