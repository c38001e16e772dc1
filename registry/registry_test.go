package registry_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/promptbridge/bridge/registry"
	"github.com/promptbridge/bridge/registry/memorystore"
)

func newRegistry(t *testing.T, maxPerUser int) *registry.Registry {
	t.Helper()
	store := memorystore.New()
	t.Cleanup(func() { _ = store.Close() })
	return registry.New(store, registry.WithMaxConnectionsPerUser(maxPerUser))
}

func mustCreate(t *testing.T, reg *registry.Registry, user string) *registry.Connection {
	t.Helper()
	conn, err := reg.Create(context.Background(), registry.CreateParams{
		UserContext: user,
		ServerURL:   "https://backend.example",
		AuthToken:   "token key:secret",
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return conn
}

func TestCreateGetRemoveLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 5)

	conn := mustCreate(t, reg, "user-a")
	if conn.ID == "" {
		t.Fatal("expected a connection id")
	}
	if !conn.Active {
		t.Fatal("expected active=true on creation")
	}

	got, err := reg.Get(ctx, conn.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Active {
		t.Fatal("expected active=true until removal")
	}
	if got.UserContext != "user-a" {
		t.Fatalf("expected user context user-a, got %q", got.UserContext)
	}

	if err := reg.Remove(ctx, conn.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := reg.Get(ctx, conn.ID); err != registry.ErrConnectionGone {
		t.Fatalf("expected ErrConnectionGone after remove, got %v", err)
	}

	// Removal is idempotent: a second pass is a no-op, not an error.
	if err := reg.Remove(ctx, conn.ID); err != nil {
		t.Fatalf("second remove should be a no-op, got %v", err)
	}
}

func TestGetDoesNotTouchActivity(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 5)
	conn := mustCreate(t, reg, "user-a")

	before, _ := reg.Get(ctx, conn.ID)
	time.Sleep(5 * time.Millisecond)
	after, _ := reg.Get(ctx, conn.ID)
	if !after.LastActivity.Equal(before.LastActivity) {
		t.Fatal("get must not update last_activity")
	}

	reg.Touch(ctx, conn.ID)
	touched, _ := reg.Get(ctx, conn.ID)
	if !touched.LastActivity.After(before.LastActivity) {
		t.Fatal("touch must advance last_activity")
	}
}

func TestTouchAbsentConnectionIsNoop(t *testing.T) {
	reg := newRegistry(t, 5)
	// Must not panic or error visibly.
	reg.Touch(context.Background(), "no-such-connection")
}

func TestPerUserCapEvictsOldest(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 2)

	first := mustCreate(t, reg, "user-a")
	time.Sleep(2 * time.Millisecond)
	second := mustCreate(t, reg, "user-a")
	time.Sleep(2 * time.Millisecond)
	third := mustCreate(t, reg, "user-a")

	if _, err := reg.Get(ctx, first.ID); err != registry.ErrConnectionGone {
		t.Fatalf("expected oldest connection evicted, got %v", err)
	}
	for _, id := range []string{second.ID, third.ID} {
		if _, err := reg.Get(ctx, id); err != nil {
			t.Fatalf("expected connection %s to survive: %v", id, err)
		}
	}

	// A different user is unaffected by user-a's cap.
	other := mustCreate(t, reg, "user-b")
	if _, err := reg.Get(ctx, other.ID); err != nil {
		t.Fatalf("user-b connection: %v", err)
	}
	if _, err := reg.Get(ctx, second.ID); err != nil {
		t.Fatalf("user-a connections must be untouched by user-b create: %v", err)
	}
}

func TestQueueFIFO(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 5)
	conn := mustCreate(t, reg, "user-a")

	for i := 1; i <= 3; i++ {
		if err := reg.Enqueue(ctx, conn.ID, []byte(fmt.Sprintf("r%d", i))); err != nil {
			t.Fatalf("enqueue r%d: %v", i, err)
		}
	}

	for i := 1; i <= 3; i++ {
		payload, err := reg.Dequeue(ctx, conn.ID, time.Second)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if want := fmt.Sprintf("r%d", i); string(payload) != want {
			t.Fatalf("expected %q, got %q", want, payload)
		}
	}
}

func TestDequeueTimeout(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 5)
	conn := mustCreate(t, reg, "user-a")

	start := time.Now()
	payload, err := reg.Dequeue(ctx, conn.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if payload != nil {
		t.Fatalf("expected timeout with nil payload, got %q", payload)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("dequeue returned before the wait elapsed")
	}
}

func TestEnqueueToRemovedConnectionIsSilentDrop(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 5)
	conn := mustCreate(t, reg, "user-a")
	if err := reg.Remove(ctx, conn.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	// The in-flight-backend-call-after-teardown case: no error, no crash.
	if err := reg.Enqueue(ctx, conn.ID, []byte("late")); err != nil {
		t.Fatalf("enqueue to removed connection must be a no-op, got %v", err)
	}
}

func TestDequeueReturnsGoneAfterRemoval(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 5)
	conn := mustCreate(t, reg, "user-a")

	errCh := make(chan error, 1)
	go func() {
		_, err := reg.Dequeue(ctx, conn.ID, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := reg.Remove(ctx, conn.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	select {
	case err := <-errCh:
		if err != registry.ErrConnectionGone {
			t.Fatalf("expected ErrConnectionGone, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe connection removal")
	}
}

func TestPendingDrainOrderAndEmpty(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 5)

	for i := 1; i <= 3; i++ {
		if err := reg.AddPending(ctx, &registry.PendingRequest{
			ConnectionID: "future-conn",
			Request:      []byte(fmt.Sprintf(`{"id":%d}`, i)),
			ServerURL:    "https://backend.example",
		}); err != nil {
			t.Fatalf("add pending %d: %v", i, err)
		}
	}

	drained, err := reg.DrainPending(ctx, "future-conn")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(drained) != 3 {
		t.Fatalf("expected 3 pending entries, got %d", len(drained))
	}
	for i, p := range drained {
		if want := fmt.Sprintf(`{"id":%d}`, i+1); string(p.Request) != want {
			t.Fatalf("pending order violated at %d: got %s", i, p.Request)
		}
	}

	// Drain is exactly-once: the buffer is now empty.
	again, err := reg.DrainPending(ctx, "future-conn")
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected empty buffer after drain, got %d entries", len(again))
	}
}

func TestSweepEvictsOnlyIdleConnections(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 5)

	idle := mustCreate(t, reg, "user-a")
	time.Sleep(20 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(2 * time.Millisecond)
	fresh := mustCreate(t, reg, "user-a")

	if n := reg.Sweep(ctx, cutoff); n != 1 {
		t.Fatalf("expected exactly one eviction, got %d", n)
	}
	if _, err := reg.Get(ctx, idle.ID); err != registry.ErrConnectionGone {
		t.Fatalf("idle connection should be gone, got %v", err)
	}
	if _, err := reg.Get(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh connection must survive sweep: %v", err)
	}
}

func TestStatsCounters(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 5)

	a := mustCreate(t, reg, "user-a")
	mustCreate(t, reg, "user-b")
	snap := reg.Stats().Snapshot()
	if snap.LifetimeConnections != 2 || snap.ActiveConnections != 2 {
		t.Fatalf("unexpected counters after create: %+v", snap)
	}

	_ = reg.Remove(ctx, a.ID)
	_ = reg.Remove(ctx, a.ID) // idempotent remove must not double-decrement
	snap = reg.Stats().Snapshot()
	if snap.ActiveConnections != 1 {
		t.Fatalf("expected 1 active connection, got %d", snap.ActiveConnections)
	}
	if snap.LifetimeConnections != 2 {
		t.Fatalf("lifetime counter must not decrease, got %d", snap.LifetimeConnections)
	}
}

func TestConcurrentRemoveDecrementsOnce(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 5)

	// Reaper sweep and stream teardown can call Remove for the same id at the
	// same moment; exactly one of them may move the active counter.
	for i := 0; i < 50; i++ {
		conn := mustCreate(t, reg, "user-a")

		var wg sync.WaitGroup
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = reg.Remove(ctx, conn.ID)
			}()
		}
		wg.Wait()
	}

	if snap := reg.Stats().Snapshot(); snap.ActiveConnections != 0 {
		t.Fatalf("expected 0 active connections after racing removals, got %d", snap.ActiveConnections)
	}
}
