package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"spool/internal/broker"
	"spool/internal/config"
	"spool/internal/logger"
)

type Base struct {
	Config  *config.Config
	Logger  logger.Logger
	Backend broker.Backend
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

// InitBackend builds the configured durable queue backend. Connecting is left
// to the journal writer, which retries it.
func (b *Base) InitBackend() error {
	backend, err := broker.NewBackend(b.Config.Broker, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create broker backend: %w", err)
	}
	b.Backend = backend
	return nil
}

func (b *Base) ShutdownBackend() []error {
	if b.Backend == nil {
		return nil
	}
	if err := b.Backend.Close(); err != nil {
		return []error{fmt.Errorf("%s backend close error: %w", b.Backend.Name(), err)}
	}
	return nil
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down application...")

	var errs []error

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	errs = append(errs, b.ShutdownBackend()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	b.Logger.Info("Application exited successfully")
	return nil
}
