/*
cache.go - Process-wide configuration snapshot

PURPOSE:
  The registry, formula table and calculation rules are read on every
  operation and changed rarely, by an administrator. ConfigCache holds one
  immutable Config behind an atomic pointer:

    cfg := cache.Current()   // a consistent snapshot for the whole call
    cache.Reload(ctx)        // out-of-band refresh from the loader

  A computation that started on one snapshot finishes on it; Reload only
  affects calls that begin afterwards.

SEE ALSO:
  - factory/config.go: File-backed ConfigLoader
  - store/*: Database-backed ConfigLoader implementations
*/
package payroll

import (
	"context"
	"fmt"
	"sync/atomic"
)

// ConfigLoader produces a fresh Config.
type ConfigLoader interface {
	LoadConfig(ctx context.Context) (Config, error)
}

// ConfigLoaderFunc adapts a function to ConfigLoader.
type ConfigLoaderFunc func(ctx context.Context) (Config, error)

func (f ConfigLoaderFunc) LoadConfig(ctx context.Context) (Config, error) { return f(ctx) }

// StaticConfig returns a loader that always yields cfg.
func StaticConfig(cfg Config) ConfigLoader {
	return ConfigLoaderFunc(func(context.Context) (Config, error) { return cfg, nil })
}

type ConfigCache struct {
	loader  ConfigLoader
	checks  []func(Config) error
	current atomic.Pointer[Config]
}

type CacheOption func(*ConfigCache)

// WithConfigCheck adds a check every loaded config must pass before it
// becomes current, on top of Config.Validate.
func WithConfigCheck(check func(Config) error) CacheOption {
	return func(c *ConfigCache) { c.checks = append(c.checks, check) }
}

// NewConfigCache loads the first snapshot. It fails if the loader does or if
// the config does not pass validation and the configured checks.
func NewConfigCache(ctx context.Context, loader ConfigLoader, opts ...CacheOption) (*ConfigCache, error) {
	c := &ConfigCache{loader: loader}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Current returns the active snapshot.
func (c *ConfigCache) Current() *Config {
	return c.current.Load()
}

// Reload replaces the snapshot. On error the previous one stays active.
func (c *ConfigCache) Reload(ctx context.Context) error {
	if c.loader == nil {
		return fmt.Errorf("%w: no config loader", ErrInvalidConfig)
	}
	cfg, err := c.loader.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, check := range c.checks {
		if err := check(cfg); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	c.current.Store(&cfg)
	return nil
}

// Registry is shorthand for Current().Registry.
func (c *ConfigCache) Registry() *Registry {
	return c.Current().Registry
}
