package registry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/promptbridge/bridge/registry"
)

// syncBuffer makes a bytes.Buffer safe for the reporter goroutine to write
// while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStatsReporterLogsSnapshots(t *testing.T) {
	reg := newRegistry(t, 5)
	mustCreate(t, reg, "user-a")
	reg.Stats().CountRequest()

	var out syncBuffer
	log := slog.New(slog.NewJSONHandler(&out, nil))

	ctx, cancel := context.WithCancel(context.Background())
	reporter := registry.NewStatsReporter(reg, 10*time.Millisecond, log)

	done := make(chan error, 1)
	go func() { done <- reporter.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "stats.report") {
		if time.Now().After(deadline) {
			t.Fatal("no stats report logged before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop on cancellation")
	}

	// The first report line carries the live counter values.
	line := strings.SplitN(out.String(), "\n", 2)[0]
	var record struct {
		Msg                 string `json:"msg"`
		ActiveConnections   int64  `json:"active_connections"`
		LifetimeConnections int64  `json:"lifetime_connections"`
		Requests            int64  `json:"requests"`
	}
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		t.Fatalf("report line undecodable: %v", err)
	}
	if record.Msg != "stats.report" {
		t.Fatalf("unexpected log message %q", record.Msg)
	}
	if record.ActiveConnections != 1 || record.LifetimeConnections != 1 || record.Requests != 1 {
		t.Fatalf("unexpected counters in report: %+v", record)
	}
}
