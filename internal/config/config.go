package config

import (
	"encoding/json"
	"fmt"
	"os"

	"chatrelay/internal/constants"
	"chatrelay/internal/errors"
	"chatrelay/internal/models"
	"chatrelay/internal/retry"
	"chatrelay/internal/security"
	"chatrelay/internal/validation"
)

var (
	ErrMissingDBPath     = models.ConfigError{Message: "missing database path"}
	ErrInvalidSchedule   = models.ConfigError{Message: "retry schedule must be non-negative and non-decreasing"}
	ErrInvalidSampleRate = models.ConfigError{Message: "tracing sample rate must be between 0 and 1"}
)

func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// IsProduction reports whether CHATRELAY_ENV selects production mode.
func IsProduction() bool {
	return os.Getenv("CHATRELAY_ENV") == "production"
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	if len(c.Retry.ScheduleMs) > 0 {
		if _, err := retry.ScheduleFromMillis(c.Retry.ScheduleMs); err != nil {
			return ErrInvalidSchedule
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}

	if c.Scheduler.MaxConcurrency == 0 {
		c.Scheduler.MaxConcurrency = constants.DefaultMaxConcurrency
	}
	if err := validation.ValidateNumericRange(c.Scheduler.MaxConcurrency, "scheduler.max_concurrency", constants.MinConcurrency, constants.MaxConcurrency); err != nil {
		return models.ConfigError{Message: errors.GetUserMessage(err)}
	}

	if c.Queue.DrainIntervalSec <= 0 {
		c.Queue.DrainIntervalSec = constants.DefaultQueueDrainSec
	}
	if c.KeepAlive.LivenessIntervalSec <= 0 {
		c.KeepAlive.LivenessIntervalSec = constants.DefaultLivenessIntervalSec
	}
	if c.KeepAlive.RefreshIntervalSec <= 0 {
		c.KeepAlive.RefreshIntervalSec = constants.DefaultRefreshIntervalSec
	}
	if c.Network.ProbeIntervalSec <= 0 {
		c.Network.ProbeIntervalSec = constants.DefaultProbeIntervalSec
	}
	if c.Network.ProbeTimeoutMs <= 0 {
		c.Network.ProbeTimeoutMs = constants.DefaultProbeTimeoutMs
	}

	if c.Signaling.EnvelopeTTLSec <= 0 {
		c.Signaling.EnvelopeTTLSec = constants.DefaultEnvelopeTTLSec
	}
	if c.Signaling.SessionStaleSec <= 0 {
		c.Signaling.SessionStaleSec = constants.DefaultSessionStaleSec
	}
	if c.Signaling.CleanupIntervalSec <= 0 {
		c.Signaling.CleanupIntervalSec = constants.DefaultCleanupIntervalSec
	}
	if c.Signaling.StreamPollMs <= 0 {
		c.Signaling.StreamPollMs = constants.DefaultStreamPollMs
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = constants.DefaultTokenIssuer
	}
	if c.Auth.TokenTTLSec <= 0 {
		c.Auth.TokenTTLSec = constants.DefaultTokenTTLSec
	}
	if c.Relay.TimeoutSec <= 0 {
		c.Relay.TimeoutSec = constants.DefaultRelayTimeoutSec
	}

	if c.Server.Port == 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if err := validation.ValidateNumericRange(c.Server.Port, "server.port", 1, 65535); err != nil {
		return models.ConfigError{Message: errors.GetUserMessage(err)}
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return ErrInvalidSampleRate
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if path := os.Getenv("CHATRELAY_DB_PATH"); path != "" {
		c.Database.Path = path
	}

	// SECURITY: the signing secret is only ever read from the environment
	if secret := os.Getenv("CHATRELAY_JWT_SECRET"); secret != "" {
		c.Auth.Secret = secret
	}

	if url := os.Getenv("CHATRELAY_RELAY_URL"); url != "" {
		c.Relay.BaseURL = url
	}
	if env := os.Getenv("CHATRELAY_ENV"); env != "" && c.Tracing.Environment == "" {
		c.Tracing.Environment = env
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	if IsProduction() {
		if c.Auth.Secret == "" {
			return models.ConfigError{Message: "JWT secret is required in production (set CHATRELAY_JWT_SECRET environment variable)"}
		}
		if len(c.Auth.Secret) < constants.MinJWTSecretLength {
			return models.ConfigError{Message: fmt.Sprintf("JWT secret must be at least %d characters long", constants.MinJWTSecretLength)}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else if c.Auth.Secret == "" {
		fmt.Fprintf(os.Stderr, "WARNING: JWT secret not set. Set CHATRELAY_JWT_SECRET environment variable; an ephemeral secret will be used.\n")
	}

	return nil
}
