package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the serve entrypoint used by cmd/vault.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(ctx context.Context, cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	if err := ValidateSecurityConfig(cfg); err != nil {
		log.Error("security.config.invalid", "err", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
