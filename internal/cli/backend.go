package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/pairlock/internal/config"
	"github.com/roach88/pairlock/internal/pairing"
	"github.com/roach88/pairlock/internal/store"
	"github.com/roach88/pairlock/internal/store/memstore"
	"github.com/roach88/pairlock/internal/store/sqlstore"
)

// openBackend opens the configured backend.
func openBackend(ctx context.Context, opts *RootOptions) (store.Backend, error) {
	cfg := opts.Config
	switch cfg.Backend {
	case config.BackendMemory:
		return memstore.New(memstore.Options{
			LockWaitTimeout: cfg.LockWaitTimeout,
			RepeatableRead:  cfg.RepeatableRead,
			Logger:          opts.logger(),
		}), nil
	case config.BackendSQLite, config.BackendPostgres:
		b, err := sqlstore.Open(ctx, cfg.Backend, cfg.DSN, sqlstore.Options{
			LockWaitTimeout: cfg.LockWaitTimeout,
			PingRetries:     3,
			PingBackoff:     200 * time.Millisecond,
			Logger:          opts.logger(),
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// withService opens the backend, runs fn against a pairing service over it
// and closes the backend.
func withService(ctx context.Context, opts *RootOptions, fn func(*pairing.Service) error) error {
	backend, err := openBackend(ctx, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open backend", err)
	}
	defer backend.Close()

	opts.logger().Debug("backend opened", "backend", backend.Name())
	svcOpts := append(serviceOptions(opts.Config), pairing.WithLogger(opts.logger()))
	return fn(pairing.New(backend, svcOpts...))
}

// serviceOptions maps the transaction settings of cfg onto the pairing
// service.
func serviceOptions(cfg config.Config) []pairing.Option {
	return []pairing.Option{
		pairing.WithIsolation(cfg.Isolation),
		pairing.WithReadLock(cfg.GetLock),
		pairing.WithSerializationRetries(cfg.SerializationRetries, cfg.RetryBackoff),
	}
}
