package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/auth"
	"chatrelay/internal/config"
	"chatrelay/internal/constants"
	"chatrelay/internal/database"
	"chatrelay/internal/models"
	"chatrelay/internal/retry"
	"chatrelay/internal/signaling"
	"chatrelay/internal/tracing"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable debug logging")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
	issueToken = flag.String("issue-token", "", "Print a credential for the given endpoint id and exit")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chatrelay %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	configureLogLevel(logger, cfg.LogLevel)

	if err := ensureSecret(&cfg.Auth, logger); err != nil {
		return err
	}
	issuer, err := auth.NewIssuer(auth.TokenConfigFrom(cfg.Auth))
	if err != nil {
		return fmt.Errorf("failed to create credential issuer: %w", err)
	}

	if *issueToken != "" {
		cred, err := issuer.Issue(*issueToken)
		if err != nil {
			return fmt.Errorf("failed to issue credential: %w", err)
		}
		return json.NewEncoder(os.Stdout).Encode(cred)
	}

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting chatrelay")

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	relay := signaling.NewRelay(db, logger, cfg.Signaling)
	janitor := signaling.NewJanitor(db, logger, cfg.Signaling)
	go janitor.Start(ctx)
	defer janitor.Stop()

	server := NewServer(cfg.Server, relay, issuer, db, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

func configureLogLevel(logger *logrus.Logger, configured string) {
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled")
		return
	}
	level, err := logrus.ParseLevel(configured)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", configured)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

// ensureSecret fills in a per-process signing secret outside production.
// Credentials issued with it stop verifying when the process restarts.
func ensureSecret(cfg *models.AuthConfig, logger *logrus.Logger) error {
	if cfg.Secret != "" {
		return nil
	}
	if config.IsProduction() {
		return fmt.Errorf("JWT secret is required in production")
	}
	buf := make([]byte, constants.MinJWTSecretLength)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("failed to generate signing secret: %w", err)
	}
	cfg.Secret = hex.EncodeToString(buf)
	logger.Warn("Using an ephemeral JWT secret; credentials will not survive a restart")
	return nil
}

func openDatabase(ctx context.Context, path string, logger *logrus.Logger) (*database.Database, error) {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		var initErr error
		db, initErr = database.New(path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}
