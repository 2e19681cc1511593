package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/louisbranch/formstate/internal/platform/config"
	"github.com/louisbranch/formstate/internal/platform/logging"
	"github.com/louisbranch/formstate/internal/platform/otel"
)

const defaultOTelShutdownTimeout = 5 * time.Second

// Service identifiers for command startup telemetry and CLI naming consistency.
const (
	ServiceStateStore = "statestore"
	ServiceAdmin      = "statestore-admin"
)

// RunOptions controls shared entrypoint behavior for service commands.
type RunOptions struct {
	// ShutdownTimeout sets the timeout used when stopping telemetry.
	ShutdownTimeout time.Duration
	// Logger receives telemetry shutdown failures.
	Logger *slog.Logger
}

// LoadOptions selects the configuration sources merged by ParseConfigFrom.
type LoadOptions struct {
	// EnvFiles are .env files loaded into the process environment first.
	EnvFiles []string
	// ConfigFile is an optional YAML file of env-named keys.
	ConfigFile string
}

// ParseConfigFrom loads cfg from .env files, an optional YAML file and the
// process environment, in increasing order of precedence.
func ParseConfigFrom[T any](cfg *T, opts LoadOptions) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	if err := config.LoadDotEnv(opts.EnvFiles...); err != nil {
		return err
	}
	if strings.TrimSpace(opts.ConfigFile) == "" {
		return config.ParseEnv(cfg)
	}
	fileValues, err := config.LoadFile(opts.ConfigFile)
	if err != nil {
		return err
	}
	return config.ParseEnvWith(cfg, config.MergeEnvironment(fileValues))
}

// RunWithTelemetryAndOptions configures observability and executes a service run loop.
func RunWithTelemetryAndOptions(ctx context.Context, service string, options RunOptions, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if run == nil {
		return fmt.Errorf("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.OrNop(options.Logger)
	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return err
	}
	defer func() {
		shutdownTimeout := options.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = defaultOTelShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error("otel shutdown failed", "service", service, "error", err)
		}
	}()
	return run(ctx)
}
