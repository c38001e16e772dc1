package registry

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically evicts connections that have been idle past the
// configured threshold. Eviction goes through the same Registry.Remove path
// as normal stream teardown, so races with a disconnecting client are benign.
type Reaper struct {
	reg      *Registry
	interval time.Duration
	maxIdle  time.Duration
	log      *slog.Logger
}

// NewReaper constructs a Reaper. interval is the sweep cadence; maxIdle is
// the inactivity threshold.
func NewReaper(reg *Registry, interval, maxIdle time.Duration, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{reg: reg, interval: interval, maxIdle: maxIdle, log: log}
}

// Run sweeps until ctx is canceled. Each tick is independently guarded; a
// failing sweep never terminates the loop.
func (p *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Reaper) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.ErrorContext(ctx, "reaper.tick.panic", slog.Any("panic", rec))
		}
	}()

	cutoff := time.Now().UTC().Add(-p.maxIdle)
	if n := p.reg.Sweep(ctx, cutoff); n > 0 {
		p.log.InfoContext(ctx, "reaper.sweep", slog.Int("evicted", n))
	}
}
