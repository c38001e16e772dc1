package registry

import "sync/atomic"

// Stats tracks process-lifetime counters. All methods are safe for
// concurrent use.
type Stats struct {
	lifetimeConnections atomic.Int64
	activeConnections   atomic.Int64
	requests            atomic.Int64
	errors              atomic.Int64
	degraded            atomic.Bool
}

// CountRequest records one processed inbound request.
func (s *Stats) CountRequest() { s.requests.Add(1) }

// CountError records one request that ended in an internal error.
func (s *Stats) CountError() { s.errors.Add(1) }

// SetDegraded marks the process as running on a fallback store. This is the
// operator-visible signal that horizontal-scaling guarantees do not hold.
func (s *Stats) SetDegraded(v bool) { s.degraded.Store(v) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	LifetimeConnections int64 `json:"lifetime_connections"`
	ActiveConnections   int64 `json:"active_connections"`
	Requests            int64 `json:"requests"`
	Errors              int64 `json:"errors"`
	DegradedStore       bool  `json:"degraded_store"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		LifetimeConnections: s.lifetimeConnections.Load(),
		ActiveConnections:   s.activeConnections.Load(),
		Requests:            s.requests.Load(),
		Errors:              s.errors.Load(),
		DegradedStore:       s.degraded.Load(),
	}
}
