// Package memorystore provides the in-process implementation of
// registry.Store. It is suitable for single-instance deployments and tests;
// state is local to the process.
package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/promptbridge/bridge/registry"
)

const queueCapacity = 256

// Store implements registry.Store with plain maps and channels.
type Store struct {
	mu      sync.RWMutex
	conns   map[string]*connState
	byUser  map[string]map[string]struct{}
	pending map[string][]*registry.PendingRequest
}

type connState struct {
	conn  registry.Connection
	queue chan []byte
	done  chan struct{}
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		conns:   make(map[string]*connState),
		byUser:  make(map[string]map[string]struct{}),
		pending: make(map[string][]*registry.PendingRequest),
	}
}

var _ registry.Store = (*Store)(nil)

func (s *Store) PutConnection(ctx context.Context, conn *registry.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conns[conn.ID] = &connState{
		conn:  *conn,
		queue: make(chan []byte, queueCapacity),
		done:  make(chan struct{}),
	}
	set, ok := s.byUser[conn.UserContext]
	if !ok {
		set = make(map[string]struct{})
		s.byUser[conn.UserContext] = set
	}
	set[conn.ID] = struct{}{}
	return nil
}

func (s *Store) GetConnection(ctx context.Context, id string) (*registry.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.conns[id]
	if !ok {
		return nil, registry.ErrConnectionGone
	}
	conn := st.conn
	return &conn, nil
}

func (s *Store) DeleteConnection(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	st, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
		if set, uok := s.byUser[st.conn.UserContext]; uok {
			delete(set, id)
			if len(set) == 0 {
				delete(s.byUser, st.conn.UserContext)
			}
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if ok {
		close(st.done)
	}
	return ok, nil
}

func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.conns[id]
	if !ok {
		return registry.ErrConnectionGone
	}
	st.conn.LastActivity = at
	return nil
}

func (s *Store) UserConnections(ctx context.Context, userContext string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.byUser[userContext]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) ListConnections(ctx context.Context) ([]*registry.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]*registry.Connection, 0, len(s.conns))
	for _, st := range s.conns {
		conn := st.conn
		conns = append(conns, &conn)
	}
	return conns, nil
}

func (s *Store) Enqueue(ctx context.Context, id string, payload []byte) error {
	s.mu.RLock()
	st, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return registry.ErrConnectionGone
	}

	data := append([]byte(nil), payload...)
	select {
	case st.queue <- data:
		return nil
	case <-st.done:
		return registry.ErrConnectionGone
	default:
		// Queue saturated: the consumer is not draining. Block until it
		// drains, the connection dies, or the caller gives up.
		select {
		case st.queue <- data:
			return nil
		case <-st.done:
			return registry.ErrConnectionGone
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Store) Dequeue(ctx context.Context, id string, wait time.Duration) ([]byte, error) {
	s.mu.RLock()
	st, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return nil, registry.ErrConnectionGone
	}

	// Drain queued payloads ahead of the done signal so responses enqueued
	// just before teardown still deliver in order.
	select {
	case data := <-st.queue:
		return data, nil
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case data := <-st.queue:
		return data, nil
	case <-timer.C:
		return nil, nil
	case <-st.done:
		return nil, registry.ErrConnectionGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) AddPending(ctx context.Context, p *registry.PendingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	cp.Request = append([]byte(nil), p.Request...)
	s.pending[p.ConnectionID] = append(s.pending[p.ConnectionID], &cp)
	return nil
}

func (s *Store) DrainPending(ctx context.Context, id string) ([]*registry.PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	drained := s.pending[id]
	delete(s.pending, id)
	return drained, nil
}

func (s *Store) PrunePending(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, entries := range s.pending {
		kept := entries[:0]
		for _, p := range entries {
			if p.QueuedAt.After(cutoff) {
				kept = append(kept, p)
			} else {
				pruned++
			}
		}
		if len(kept) == 0 {
			delete(s.pending, id)
		} else {
			s.pending[id] = kept
		}
	}
	return pruned, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range s.conns {
		close(st.done)
		delete(s.conns, id)
	}
	s.byUser = make(map[string]map[string]struct{})
	s.pending = make(map[string][]*registry.PendingRequest)
	return nil
}
