/*
refresh.go - Periodic configuration reload

PURPOSE:
  Administrators change the catalog and formulas in the store or the
  formula file, not in the running process. A Refresher reloads the
  ConfigCache on a fixed interval so those edits reach every instance
  without a restart.

DESIGN:
  - One background goroutine driven by a ticker
  - A failed reload is logged and the previous snapshot stays active
  - Stop waits for an in-flight reload to finish

USAGE:
  r := payroll.NewRefresher(cache, 5*time.Minute, logger)
  r.Start()
  defer r.Stop()

SEE ALSO:
  - cache.go: ConfigCache.Reload
  - bootstrap/bootstrap.go: Starts the refresher when configured
*/
package payroll

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Refresher struct {
	cache    *ConfigCache
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	reloads int
	failed  int
}

// NewRefresher creates a stopped refresher. A non-positive interval makes
// Start a no-op.
func NewRefresher(cache *ConfigCache, interval time.Duration, log zerolog.Logger) *Refresher {
	return &Refresher{cache: cache, interval: interval, log: log}
}

// Start launches the reload loop. Calling Start twice has no effect.
func (r *Refresher) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.interval <= 0 {
		r.log.Debug().Msg("config refresh disabled")
		return
	}
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.run(ctx)

	r.log.Info().Dur("interval", r.interval).Msg("config refresh started")
}

// Stop ends the loop and waits for it to exit.
func (r *Refresher) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	r.log.Info().Msg("config refresh stopped")
}

// Stats returns how many reloads succeeded and failed so far.
func (r *Refresher) Stats() (reloads, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloads, r.failed
}

func (r *Refresher) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reload(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Refresher) reload(ctx context.Context) {
	err := r.cache.Reload(ctx)

	r.mu.Lock()
	if err != nil {
		r.failed++
	} else {
		r.reloads++
	}
	r.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.log.Error().Err(err).Msg("config reload failed, keeping previous snapshot")
		return
	}
	r.log.Debug().Int("components", len(r.cache.Registry().All())).Msg("config reloaded")
}
