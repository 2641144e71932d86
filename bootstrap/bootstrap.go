// Package bootstrap wires configuration, logging, storage, the config cache
// and the calculation interpreter into a ready payroll.Service.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/warp/payroll-engine/calculation"
	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/establishment"
	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/logging"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payroll/store"
	"github.com/warp/payroll-engine/store/postgres"
	"github.com/warp/payroll-engine/store/sqlite"
)

// Backend is what every store driver provides.
type Backend interface {
	payroll.Store
	payroll.ConfigStore
}

type App struct {
	Config  config.Config
	Logger  zerolog.Logger
	Store   Backend
	Configs *payroll.ConfigCache
	Service *payroll.Service

	// Refresher reloads Configs in the background when ConfigRefresh is set.
	Refresher *payroll.Refresher

	closers []func() error
}

// Open builds an App from cfg. On error everything opened so far is closed.
func Open(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	app := &App{Config: cfg}

	logger, logCloser, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	app.Logger = logger.With().Str("component", "payroll").Logger()
	app.closers = append(app.closers, logCloser.Close)

	if err := app.initialize(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) initialize(ctx context.Context) error {
	interp, err := calculation.New()
	if err != nil {
		return err
	}
	f := factory.New(factory.WithConditionChecker(interp.Check))

	backend, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	a.Store = backend

	if err := seedConfig(ctx, f, a.Config.FormulaFile, backend); err != nil {
		return fmt.Errorf("failed to seed payroll config: %w", err)
	}
	// Every snapshot, including background reloads, must compile its conditions.
	cache, err := payroll.NewConfigCache(ctx, backend, payroll.WithConfigCheck(func(cfg payroll.Config) error {
		return interp.Check(cfg.Calculations)
	}))
	if err != nil {
		return fmt.Errorf("failed to load payroll config: %w", err)
	}
	a.Configs = cache

	a.Refresher = payroll.NewRefresher(cache, a.Config.ConfigRefresh, a.Logger)
	a.Refresher.Start()
	a.closers = append(a.closers, func() error { a.Refresher.Stop(); return nil })

	a.Service = payroll.NewService(backend, cache, interp,
		payroll.WithConfigStore(backend),
		payroll.WithLogger(a.Logger),
	)
	a.Logger.Info().
		Str("store", a.Config.Store).
		Int("components", len(cache.Registry().All())).
		Msg("payroll engine ready")
	return nil
}

func (a *App) openStore(ctx context.Context) (Backend, error) {
	switch a.Config.Store {
	case config.StoreSQLite:
		s, err := sqlite.New(a.Config.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.StorePostgres:
		s, err := postgres.New(ctx, a.Config.DatabaseURL, postgres.Options{MaxConns: int32(a.Config.DBMaxConns)})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		return s, nil
	default:
		return store.NewMemory(), nil
	}
}

// seedConfig makes sure the store holds a config. A formula file always
// replaces what is stored; otherwise presets are saved only into an empty store.
func seedConfig(ctx context.Context, f *factory.Factory, formulaFile string, cs payroll.ConfigStore) error {
	if formulaFile != "" {
		cfg, err := f.ParseFile(formulaFile)
		if err != nil {
			return err
		}
		return cs.SaveConfig(ctx, cfg)
	}

	_, err := cs.LoadConfig(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, payroll.ErrConfigNotFound) {
		return err
	}
	cfg, err := establishment.DefaultConfig()
	if err != nil {
		return err
	}
	return cs.SaveConfig(ctx, cfg)
}

// Close releases the store and log file, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

var _ io.Closer = (*App)(nil)
