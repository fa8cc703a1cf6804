package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/roach88/cartengine/internal/config"
	"github.com/roach88/cartengine/internal/engine"
	"github.com/roach88/cartengine/internal/logging"
	"github.com/roach88/cartengine/internal/store"
	"github.com/roach88/cartengine/internal/store/pgstore"
)

// session is one command's view of a persistent cart: the resolved
// configuration, the storage backend and an engine hydrated from it.
type session struct {
	cfg     config.File
	logger  *zap.Logger
	storage *store.Adapter
	engine  *engine.Engine
	closers []func() error
}

// loadConfig resolves the config file, environment and global flags.
func loadConfig(opts *RootOptions) (config.File, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.File{}, err
	}
	if opts.Database != "" {
		cfg.Storage.Driver = config.DriverSQLite
		cfg.Storage.Path = opts.Database
	}
	if opts.Scope != "" {
		cfg.ScopeID = opts.Scope
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return config.File{}, err
	}
	return cfg, nil
}

// openStorage opens the configured backend and wraps it in an adapter.
// The session owns the backend and releases it in close.
func (s *session) openStorage(ctx context.Context) error {
	var backend store.Backend
	st := s.cfg.Storage

	switch st.Driver {
	case config.DriverMemory:
		backend = store.NewMemoryBackend(int(st.Quota))

	case config.DriverSQLite:
		db, err := store.OpenSQLite(st.Path, store.WithQuota(st.Quota))
		if err != nil {
			return err
		}
		s.closers = append(s.closers, db.Close)
		backend = db

	case config.DriverPostgres:
		pool, err := pgstore.Connect(ctx, st.DSN)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() error {
			pool.Close()
			return nil
		})
		pg := pgstore.New(pgstore.FromPool(pool), pgstore.WithTable(st.Table), pgstore.WithQuota(st.Quota))
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		backend = pg

	default:
		return fmt.Errorf("unknown storage driver %q", st.Driver)
	}

	s.storage = store.NewAdapter(backend, store.WithLogger(s.logger))
	return nil
}

// openSession builds a session without an engine. Commands that only
// inspect storage use it directly.
func openSession(ctx context.Context, opts *RootOptions) (*session, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create logger", err)
	}

	s := &session{cfg: cfg, logger: logger.With(zap.String("scope", cfg.ScopeID))}
	if err := s.openStorage(ctx); err != nil {
		_ = s.close(ctx)
		return nil, WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	return s, nil
}

// openCart opens a session and hydrates the engine for the configured
// scope.
func openCart(ctx context.Context, opts *RootOptions, extra ...engine.Option) (*session, error) {
	s, err := openSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := s.startEngine(ctx, extra...); err != nil {
		_ = s.close(ctx)
		return nil, err
	}
	return s, nil
}

// startEngine builds the engine on the session's storage. Extra options
// are applied after the storage and logger options.
func (s *session) startEngine(ctx context.Context, extra ...engine.Option) error {
	engineOpts := append([]engine.Option{
		engine.WithStorage(s.storage),
		engine.WithLogger(s.logger),
	}, extra...)
	e, err := engine.New(ctx, s.cfg.EngineConfig(), engineOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create engine", err)
	}
	s.engine = e

	if d := e.LoadDiagnostic(); d.Status == store.LoadMigrated || d.Status == store.LoadDiscarded || d.Dropped > 0 {
		s.logger.Warn("cart loaded with diagnostics",
			zap.String("status", string(d.Status)),
			zap.Int("dropped", d.Dropped),
			zap.String("reason", d.Reason),
		)
	}
	return nil
}

// close saves the cart and releases storage in reverse order of opening.
func (s *session) close(ctx context.Context) error {
	var errs []error
	if s.engine != nil {
		if err := s.engine.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("save cart: %w", err))
		}
	}
	for _, c := range slices.Backward(s.closers) {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	_ = s.logger.Sync()
	return errors.Join(errs...)
}
