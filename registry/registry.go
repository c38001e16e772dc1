// Package registry owns the bridge's session state: connection records, the
// per-user connection index, per-connection response queues, and the buffer
// of requests that raced ahead of their connection. Storage is pluggable so
// a single bridge instance can run purely in memory while a horizontally
// scaled deployment shares state through redis.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/promptbridge/bridge/internal/logctx"
)

// ErrConnectionGone indicates the target connection does not exist (never
// created, or already removed). Queue producers treat it as a silent drop.
var ErrConnectionGone = errors.New("connection gone")

// Connection is the server-side record of one streaming client session. The
// server URL and auth token are owned exclusively by the connection and are
// never mutated after creation.
type Connection struct {
	ID           string    `json:"id"`
	UserContext  string    `json:"user_context"`
	ServerURL    string    `json:"server_url"`
	AuthToken    string    `json:"auth_token"`
	Device       string    `json:"device,omitempty"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Active       bool      `json:"active"`
}

// PendingRequest is a request buffered because its target connection did not
// exist yet (first-connect race). It captures everything needed to process
// the request once the connection appears.
type PendingRequest struct {
	ConnectionID string    `json:"connection_id"`
	Request      []byte    `json:"request"`
	ServerURL    string    `json:"server_url"`
	AuthToken    string    `json:"auth_token"`
	QueuedAt     time.Time `json:"queued_at"`
}

// Store is the persistence contract behind the Registry. The in-memory and
// redis implementations must behave identically; index mutations must be
// atomic units with no partial state visible to concurrent readers.
type Store interface {
	// PutConnection stores the record and atomically adds its id to the
	// per-user index.
	PutConnection(ctx context.Context, conn *Connection) error
	// GetConnection returns the record or ErrConnectionGone.
	GetConnection(ctx context.Context, id string) (*Connection, error)
	// DeleteConnection removes the record, its per-user index entry, its
	// queue, and any pending buffer. Deleting an absent id is a no-op; the
	// bool reports whether this call actually removed the record, so that
	// exactly one of several racing removers observes true.
	DeleteConnection(ctx context.Context, id string) (bool, error)
	// Touch updates last_activity. No-op if the connection is absent.
	Touch(ctx context.Context, id string, at time.Time) error
	// UserConnections returns the exact set of connection ids for the user.
	UserConnections(ctx context.Context, userContext string) ([]string, error)
	// ListConnections returns all live records (reaper sweep input).
	ListConnections(ctx context.Context) ([]*Connection, error)

	// Enqueue appends a response payload to the connection's FIFO queue.
	// Returns ErrConnectionGone if the connection is absent.
	Enqueue(ctx context.Context, id string, payload []byte) error
	// Dequeue pops the next payload, blocking up to wait. A (nil, nil)
	// return means the wait timed out with nothing to deliver. Returns
	// ErrConnectionGone once the connection has been removed.
	Dequeue(ctx context.Context, id string, wait time.Duration) ([]byte, error)

	// AddPending buffers a request for a connection that does not exist yet.
	AddPending(ctx context.Context, p *PendingRequest) error
	// DrainPending removes and returns all buffered requests for the id in
	// arrival order. The buffer entry is deleted.
	DrainPending(ctx context.Context, id string) ([]*PendingRequest, error)
	// PrunePending drops buffered requests older than cutoff, returning how
	// many were discarded.
	PrunePending(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMaxConnectionsPerUser caps concurrent connections per user context.
func WithMaxConnectionsPerUser(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxPerUser = n
		}
	}
}

// Registry creates, looks up, and evicts connections, enforcing the per-user
// cap. All mutations of the connection map and the per-user index go through
// here; the idle reaper and stream teardown share the same Remove path.
type Registry struct {
	store      Store
	log        *slog.Logger
	maxPerUser int
	stats      *Stats
}

// New constructs a Registry over the given store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		log:        slog.Default(),
		maxPerUser: 5,
		stats:      &Stats{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stats returns the registry's counters.
func (r *Registry) Stats() *Stats {
	return r.stats
}

// CreateParams carries the inputs for Create.
type CreateParams struct {
	UserContext string
	ServerURL   string
	AuthToken   string
	Device      string
	RemoteAddr  string
}

// Create allocates a fresh connection with a globally unique id. If the user
// is already at capacity the least-recently-created connection for that user
// is evicted first, silently.
func (r *Registry) Create(ctx context.Context, params CreateParams) (*Connection, error) {
	if err := r.evictOverCap(ctx, params.UserContext); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	conn := &Connection{
		ID:           uuid.NewString(),
		UserContext:  params.UserContext,
		ServerURL:    params.ServerURL,
		AuthToken:    params.AuthToken,
		Device:       params.Device,
		RemoteAddr:   params.RemoteAddr,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}
	if err := r.store.PutConnection(ctx, conn); err != nil {
		return nil, err
	}

	r.stats.lifetimeConnections.Add(1)
	r.stats.activeConnections.Add(1)
	r.log.InfoContext(logctx.WithConnData(ctx, &logctx.ConnData{ConnectionID: conn.ID, UserContext: conn.UserContext}),
		"conn.create")
	return conn, nil
}

// Get is a pure lookup with no side effect on the activity timestamp.
func (r *Registry) Get(ctx context.Context, id string) (*Connection, error) {
	return r.store.GetConnection(ctx, id)
}

// Touch updates last_activity to now. Touching an absent connection is a
// no-op.
func (r *Registry) Touch(ctx context.Context, id string) {
	if err := r.store.Touch(ctx, id, time.Now().UTC()); err != nil && !errors.Is(err, ErrConnectionGone) {
		r.log.WarnContext(ctx, "conn.touch.fail", slog.String("err", err.Error()))
	}
}

// Remove tears down the connection: record, per-user index entry, queue, and
// pending buffer. Removing an already-absent id is a no-op, not an error.
// The active counter moves only when this call is the one that deleted the
// record, so a reaper sweep racing stream teardown decrements exactly once.
func (r *Registry) Remove(ctx context.Context, id string) error {
	deleted, err := r.store.DeleteConnection(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}
	r.stats.activeConnections.Add(-1)
	r.log.InfoContext(logctx.WithConnData(ctx, &logctx.ConnData{ConnectionID: id}), "conn.remove")
	return nil
}

// Enqueue appends a response payload to the connection's queue. Enqueueing to
// a removed connection drops the payload silently (in-flight backend calls
// that outlive their connection must not fault anyone else's stream).
func (r *Registry) Enqueue(ctx context.Context, id string, payload []byte) error {
	err := r.store.Enqueue(ctx, id, payload)
	if errors.Is(err, ErrConnectionGone) {
		r.log.DebugContext(ctx, "queue.enqueue.drop",
			slog.String("connection_id", id))
		return nil
	}
	return err
}

// Dequeue pops the connection's next queued response, blocking up to wait.
// (nil, nil) means the wait timed out.
func (r *Registry) Dequeue(ctx context.Context, id string, wait time.Duration) ([]byte, error) {
	return r.store.Dequeue(ctx, id, wait)
}

// AddPending buffers a request for a connection that does not exist yet.
func (r *Registry) AddPending(ctx context.Context, p *PendingRequest) error {
	if p.QueuedAt.IsZero() {
		p.QueuedAt = time.Now().UTC()
	}
	return r.store.AddPending(ctx, p)
}

// DrainPending removes and returns buffered requests for the id in arrival
// order.
func (r *Registry) DrainPending(ctx context.Context, id string) ([]*PendingRequest, error) {
	return r.store.DrainPending(ctx, id)
}

// Sweep removes every connection whose last activity precedes cutoff, plus
// stale pending buffers. Returns how many connections were evicted.
func (r *Registry) Sweep(ctx context.Context, cutoff time.Time) int {
	conns, err := r.store.ListConnections(ctx)
	if err != nil {
		r.log.ErrorContext(ctx, "reaper.list.fail", slog.String("err", err.Error()))
		return 0
	}

	evicted := 0
	for _, conn := range conns {
		if conn.LastActivity.After(cutoff) {
			continue
		}
		if err := r.Remove(ctx, conn.ID); err != nil {
			r.log.WarnContext(ctx, "reaper.remove.fail",
				slog.String("connection_id", conn.ID),
				slog.String("err", err.Error()))
			continue
		}
		evicted++
	}

	if n, err := r.store.PrunePending(ctx, cutoff); err == nil && n > 0 {
		r.log.InfoContext(ctx, "reaper.pending.prune", slog.Int("count", n))
	}
	return evicted
}

// evictOverCap silently removes the oldest connections for the user until a
// new one fits under the cap.
func (r *Registry) evictOverCap(ctx context.Context, userContext string) error {
	ids, err := r.store.UserConnections(ctx, userContext)
	if err != nil {
		return err
	}
	if len(ids) < r.maxPerUser {
		return nil
	}

	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		conn, err := r.store.GetConnection(ctx, id)
		if errors.Is(err, ErrConnectionGone) {
			continue
		}
		if err != nil {
			return err
		}
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].CreatedAt.Before(conns[j].CreatedAt)
	})

	for len(conns) >= r.maxPerUser {
		oldest := conns[0]
		conns = conns[1:]
		if err := r.Remove(ctx, oldest.ID); err != nil {
			return err
		}
		r.log.InfoContext(ctx, "conn.evict.cap",
			slog.String("connection_id", oldest.ID),
			slog.String("user", userContext))
	}
	return nil
}
