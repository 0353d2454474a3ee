package dedup

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultSweepInterval is how often the janitor evicts expired entries.
const DefaultSweepInterval = 300 * time.Second

// JanitorHooks receives the outcome of each sweep. Nil funcs are skipped.
type JanitorHooks struct {
	OnSweep func(evicted, remaining int)
}

// Janitor periodically evicts expired entries from a Cache. Eviction only
// bounds memory; correctness never depends on it having run.
type Janitor struct {
	cache    *Cache
	interval time.Duration
	logger   log.Logger
	hooks    JanitorHooks
	now      func() time.Time
}

// NewJanitor creates a janitor for cache. A non-positive interval selects
// DefaultSweepInterval.
func NewJanitor(cache *Cache, interval time.Duration, logger log.Logger, hooks JanitorHooks) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Janitor{
		cache:    cache,
		interval: interval,
		logger:   logger,
		hooks:    hooks,
		now:      time.Now,
	}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info(ctx, "dedup janitor started", "interval", j.interval.String(), "ttl", j.cache.TTL().String())

	for {
		j.Sweep(ctx)
		select {
		case <-ctx.Done():
			j.logger.Info(context.WithoutCancel(ctx), "dedup janitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs a single eviction pass.
func (j *Janitor) Sweep(ctx context.Context) (evicted, remaining int) {
	evicted, remaining = j.cache.Sweep(j.now())
	j.logger.Info(ctx, "cleaned up expired fingerprints", "evicted", evicted, "cache_size", remaining)
	if j.hooks.OnSweep != nil {
		j.hooks.OnSweep(evicted, remaining)
	}
	return evicted, remaining
}
