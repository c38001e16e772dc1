package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/promptbridge/bridge/auth"
	"github.com/promptbridge/bridge/backend"
	"github.com/promptbridge/bridge/internal/jsonrpc"
	"github.com/promptbridge/bridge/registry"
	"github.com/promptbridge/bridge/registry/memorystore"
	"github.com/promptbridge/bridge/router"
	"github.com/promptbridge/bridge/streaminghttp"
)

// stubValidator maps known credentials straight to user contexts so the tests
// control authentication outcomes without a live backend probe.
type stubValidator struct {
	users map[string]string
}

func (s *stubValidator) Validate(_ context.Context, credential, _ string) (string, error) {
	if uc, ok := s.users[credential]; ok {
		return uc, nil
	}
	return "", auth.ErrUnauthenticated
}

type harness struct {
	srv *httptest.Server
	reg *registry.Registry
}

func newHarness(t *testing.T, opts ...streaminghttp.Option) *harness {
	t.Helper()
	store := memorystore.New()
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(store)
	rt := router.New(backend.New(backend.WithTimeout(time.Second)), reg)
	v := &stubValidator{users: map[string]string{
		"Bearer alice-token": "alice-context",
		"Bearer bob-token":   "bob-context",
	}}

	if len(opts) == 0 {
		opts = []streaminghttp.Option{streaminghttp.WithQueueWait(200 * time.Millisecond)}
	}
	srv := httptest.NewServer(streaminghttp.New(reg, rt, v, opts...))
	t.Cleanup(srv.Close)
	return &harness{srv: srv, reg: reg}
}

// openStream starts an SSE stream and returns its reader plus the connection
// id extracted from the handshake event.
func (h *harness) openStream(t *testing.T, credential string) (*bufio.Reader, string, func()) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+streaminghttp.StreamPath+"?server_url=http://backend.invalid", nil)
	if err != nil {
		t.Fatalf("build stream request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", credential)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("expected 200 for stream, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		t.Fatalf("expected event-stream content type, got %q", ct)
	}

	br := bufio.NewReader(resp.Body)
	event, data := readFrame(t, br)
	if event != "endpoint" {
		t.Fatalf("expected endpoint handshake event, got %q (%q)", event, data)
	}
	idx := strings.Index(data, "cid=")
	if idx < 0 {
		t.Fatalf("handshake endpoint missing cid: %q", data)
	}
	return br, data[idx+len("cid="):], func() { resp.Body.Close() }
}

// readFrame consumes one SSE frame, returning its event name (empty for
// comment-only frames) and data payload.
func readFrame(t *testing.T, br *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			return event, data
		case strings.HasPrefix(line, "event: "):
			event = line[len("event: "):]
		case strings.HasPrefix(line, "data: "):
			data = line[len("data: "):]
		case strings.HasPrefix(line, ":"):
			// Comment frames terminate on the following blank line too.
		}
	}
}

func (h *harness) post(t *testing.T, path, credential, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+path, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("build post: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", credential)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStreamRequiresServerURL(t *testing.T) {
	h := newHarness(t)

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+streaminghttp.StreamPath, nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without server_url, got %d", resp.StatusCode)
	}
}

func TestStreamRejectsBadCredential(t *testing.T) {
	h := newHarness(t)

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+streaminghttp.StreamPath+"?server_url=http://backend.invalid", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") != "Bearer" {
		t.Fatalf("expected WWW-Authenticate challenge, got %q", resp.Header.Get("WWW-Authenticate"))
	}
}

func TestPostDeliversThroughStream(t *testing.T) {
	h := newHarness(t)

	br, cid, closeStream := h.openStream(t, "Bearer alice-token")
	defer closeStream()

	resp := h.post(t, streaminghttp.MessagesPath+"?cid="+cid, "Bearer alice-token",
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var ack struct {
		Status       string `json:"status"`
		ConnectionID string `json:"connection_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Status != "accepted" || ack.ConnectionID != cid {
		t.Fatalf("unexpected ack %+v", ack)
	}

	// The result arrives asynchronously as an SSE message frame. Keep-alive
	// comment frames may interleave while the dispatch goroutine runs.
	var payload string
	for i := 0; i < 10; i++ {
		event, data := readFrame(t, br)
		if event == "message" {
			payload = data
			break
		}
	}
	if payload == "" {
		t.Fatal("no message frame delivered")
	}

	var rpc jsonrpc.Response
	if err := json.Unmarshal([]byte(payload), &rpc); err != nil {
		t.Fatalf("message frame undecodable: %v", err)
	}
	if rpc.ID.String() != "1" {
		t.Fatalf("expected id 1, got %q", rpc.ID.String())
	}
	var result map[string]string
	if err := json.Unmarshal(rpc.Result, &result); err != nil {
		t.Fatalf("result undecodable: %v", err)
	}
	if result["status"] != "pong" {
		t.Fatalf("expected pong, got %v", result)
	}
}

func TestPostCredentialMismatch(t *testing.T) {
	h := newHarness(t)

	_, cid, closeStream := h.openStream(t, "Bearer alice-token")
	defer closeStream()

	resp := h.post(t, streaminghttp.MessagesPath+"?cid="+cid, "Bearer bob-token",
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for cross-user post, got %d", resp.StatusCode)
	}
}

func TestPostUnknownConnection(t *testing.T) {
	h := newHarness(t)

	resp := h.post(t, streaminghttp.MessagesPath+"?cid=no-such-id", "Bearer alice-token",
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown cid without server_url, got %d", resp.StatusCode)
	}
}

func TestPostUnknownConnectionBuffersWithServerURL(t *testing.T) {
	h := newHarness(t)

	resp := h.post(t, streaminghttp.MessagesPath+"?cid=early-cid&server_url=http://backend.invalid",
		"Bearer alice-token", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 for buffered request, got %d", resp.StatusCode)
	}

	pending, err := h.reg.DrainPending(context.Background(), "early-cid")
	if err != nil {
		t.Fatalf("drain pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one buffered request, got %d", len(pending))
	}
	p := pending[0]
	if p.ServerURL != "http://backend.invalid" || p.AuthToken != "Bearer alice-token" {
		t.Fatalf("pending entry missing its target: %+v", p)
	}
	if !bytes.Contains(p.Request, []byte("tools/list")) {
		t.Fatalf("pending entry lost the request payload: %s", p.Request)
	}
}

func TestPostRejectsWrongContentType(t *testing.T) {
	h := newHarness(t)

	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+streaminghttp.MessagesPath+"?cid=x",
		strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.StatusCode)
	}
}

func TestPostRejectsNonObjectBody(t *testing.T) {
	h := newHarness(t)

	resp := h.post(t, streaminghttp.MessagesPath+"?cid=x", "Bearer alice-token", `[1,2,3]`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for array body, got %d", resp.StatusCode)
	}
}

func TestPostRequiresCid(t *testing.T) {
	h := newHarness(t)

	resp := h.post(t, streaminghttp.MessagesPath, "Bearer alice-token",
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without cid, got %d", resp.StatusCode)
	}
}

func TestStreamKeepAlive(t *testing.T) {
	h := newHarness(t, streaminghttp.WithQueueWait(50*time.Millisecond))

	br, _, closeStream := h.openStream(t, "Bearer alice-token")
	defer closeStream()

	// With nothing queued, the stream emits comment frames on the queue-wait
	// cadence. readFrame returns an empty event for those.
	event, _ := readFrame(t, br)
	if event != "" {
		t.Fatalf("expected a keep-alive comment frame, got event %q", event)
	}
}

func TestStreamErrorEventOnEviction(t *testing.T) {
	h := newHarness(t, streaminghttp.WithQueueWait(2*time.Second))

	br, cid, closeStream := h.openStream(t, "Bearer alice-token")
	defer closeStream()

	if err := h.reg.Remove(context.Background(), cid); err != nil {
		t.Fatalf("remove: %v", err)
	}

	event, data := readFrame(t, br)
	if event != "error" {
		t.Fatalf("expected error event after eviction, got %q (%q)", event, data)
	}
}

func TestStatsEndpoint(t *testing.T) {
	h := newHarness(t)

	_, _, closeStream := h.openStream(t, "Bearer alice-token")
	defer closeStream()

	resp, err := http.Get(h.srv.URL + streaminghttp.StatsPath)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var snap struct {
		ActiveConnections   int64 `json:"active_connections"`
		LifetimeConnections int64 `json:"lifetime_connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if snap.ActiveConnections != 1 || snap.LifetimeConnections != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
}
