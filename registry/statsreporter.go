package registry

import (
	"context"
	"log/slog"
	"time"
)

// StatsReporter periodically logs a counter snapshot so operators see
// connection and traffic levels without polling the stats endpoint.
type StatsReporter struct {
	reg      *Registry
	interval time.Duration
	log      *slog.Logger
}

// NewStatsReporter constructs a StatsReporter with the given report cadence.
func NewStatsReporter(reg *Registry, interval time.Duration, log *slog.Logger) *StatsReporter {
	if log == nil {
		log = slog.Default()
	}
	return &StatsReporter{reg: reg, interval: interval, log: log}
}

// Run reports until ctx is canceled. Each tick is independently guarded; a
// failing report never terminates the loop.
func (p *StatsReporter) Run(ctx context.Context) error {
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

func (p *StatsReporter) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.ErrorContext(ctx, "stats.tick.panic", slog.Any("panic", rec))
		}
	}()

	snap := p.reg.Stats().Snapshot()
	p.log.InfoContext(ctx, "stats.report",
		slog.Int64("active_connections", snap.ActiveConnections),
		slog.Int64("lifetime_connections", snap.LifetimeConnections),
		slog.Int64("requests", snap.Requests),
		slog.Int64("errors", snap.Errors),
		slog.Bool("degraded_store", snap.DegradedStore))
}
