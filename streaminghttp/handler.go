// Package streaminghttp implements the bridge's HTTP ingress: a long-lived
// SSE stream per client plus a message-submission endpoint whose results are
// delivered asynchronously through that stream.
package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/promptbridge/bridge/auth"
	"github.com/promptbridge/bridge/internal/logctx"
	"github.com/promptbridge/bridge/registry"
	"github.com/promptbridge/bridge/router"
)

var _ http.Handler = (*Handler)(nil)

const (
	// StreamPath is the long-lived SSE endpoint.
	StreamPath = "/assistant/stream"
	// MessagesPath is the message-submission endpoint.
	MessagesPath = "/assistant/messages"
	// StatsPath serves process counters.
	StatsPath = "/assistant/stats"

	authorizationHeader = "Authorization"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible. Shape: {"error":{"code":<status>,"message":...}}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithQueueWait sets the bounded queue wait that drives keep-alive cadence.
func WithQueueWait(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.queueWait = d
		}
	}
}

// Handler serves the streaming and message-submission endpoints.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	reg       *registry.Registry
	rt        *router.Router
	validator auth.Validator
	queueWait time.Duration
}

// New constructs a Handler over the given registry, router, and validator.
func New(reg *registry.Registry, rt *router.Router, validator auth.Validator, opts ...Option) *Handler {
	h := &Handler{
		log:       slog.Default(),
		reg:       reg,
		rt:        rt,
		validator: validator,
		queueWait: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("GET %s", StreamPath), h.handleStream)
	mux.HandleFunc(fmt.Sprintf("POST %s", MessagesPath), h.handlePostMessage)
	mux.HandleFunc(fmt.Sprintf("GET %s", StatsPath), h.handleStats)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// lockedWriteFlusher serializes concurrent writes/flushes and refuses to
// write after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// handleStream opens the long-lived push channel for one client.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.stream.start")

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	serverURL := r.URL.Query().Get("server_url")
	if serverURL == "" {
		writeJSONError(w, http.StatusBadRequest, "server_url query parameter is required")
		h.log.WarnContext(ctx, "stream.server_url.missing")
		return
	}

	credential := r.Header.Get(authorizationHeader)
	userContext, err := h.validator.Validate(ctx, credential, serverURL)
	if err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	conn, err := h.reg.Create(ctx, registry.CreateParams{
		UserContext: userContext,
		ServerURL:   serverURL,
		AuthToken:   credential,
		Device:      r.URL.Query().Get("device"),
		RemoteAddr:  r.RemoteAddr,
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to create connection")
		h.log.ErrorContext(ctx, "conn.create.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnectionID: conn.ID, UserContext: userContext})

	// Teardown always runs, whatever path ends the loop. Remove is
	// idempotent, so a racing reaper eviction is harmless.
	defer func() {
		if err := h.reg.Remove(context.WithoutCancel(ctx), conn.ID); err != nil {
			h.log.WarnContext(ctx, "conn.remove.fail", slog.String("err", err.Error()))
		}
		h.log.InfoContext(ctx, "http.stream.end", slog.Duration("dur", time.Since(start)))
	}()

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	// Hold dispatches before the handshake goes out: a client can POST the
	// moment it sees the endpoint, and those messages must not overtake the
	// replayed buffer below.
	release := h.rt.HoldDispatches(conn.ID)
	defer release()

	// Handshake: tell the client where to POST subsequent requests.
	endpoint := fmt.Sprintf("%s?cid=%s", MessagesPath, conn.ID)
	if err := writeSSEEvent(wf, "endpoint", []byte(endpoint)); err != nil {
		h.log.WarnContext(ctx, "sse.handshake.fail", slog.String("err", err.Error()))
		return
	}

	// Requests that raced ahead of this connection replay first, in arrival
	// order, before anything newly posted is considered.
	if err := h.rt.ReplayPending(ctx, conn); err != nil {
		h.log.WarnContext(ctx, "pending.replay.fail", slog.String("err", err.Error()))
	}
	release()

	h.streamLoop(ctx, wf, conn.ID)
}

// streamLoop drains the connection's queue into the SSE stream, interleaving
// keep-alive comments while idle.
func (h *Handler) streamLoop(ctx context.Context, wf *lockedWriteFlusher, connID string) {
	for {
		payload, err := h.reg.Dequeue(ctx, connID, h.queueWait)
		switch {
		case errors.Is(err, registry.ErrConnectionGone):
			// Evicted underneath us (idle reaper or cap eviction).
			_ = writeSSEEvent(wf, "error", []byte(`{"error":"connection closed"}`))
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			h.log.ErrorContext(ctx, "queue.dequeue.fail", slog.String("err", err.Error()))
			_ = writeSSEEvent(wf, "error", []byte(`{"error":"stream failure"}`))
			return
		case payload == nil:
			// Queue wait elapsed: keep-alive, never counted as activity.
			if err := writeKeepAlive(wf); err != nil {
				return
			}
		default:
			if err := writeSSEEvent(wf, "message", payload); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
			h.reg.Touch(ctx, connID)
			h.log.DebugContext(ctx, "sse.message.deliver")
		}
	}
}

// handlePostMessage accepts one JSON-RPC request for an existing connection
// and acknowledges immediately; the result arrives via the stream. Messages
// for a connection that does not exist yet are buffered when the request
// names its backend, covering the first-connect race.
func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	cid := r.URL.Query().Get("cid")
	if cid == "" {
		writeJSONError(w, http.StatusBadRequest, "cid query parameter is required")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) == 0 || raw[0] != '{' {
		writeJSONError(w, http.StatusBadRequest, "body must be a single JSON-RPC request object")
		return
	}

	credential := r.Header.Get(authorizationHeader)

	conn, err := h.reg.Get(ctx, cid)
	if errors.Is(err, registry.ErrConnectionGone) {
		h.handleUnknownConnection(ctx, w, r, cid, credential, raw)
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to load connection")
		h.log.ErrorContext(ctx, "conn.load.fail", slog.String("err", err.Error()))
		return
	}

	// The submitted credential must resolve to the same user context the
	// stream was opened with.
	userContext, err := h.validator.Validate(ctx, credential, conn.ServerURL)
	if err != nil || userContext != conn.UserContext {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		h.log.InfoContext(ctx, "auth.mismatch")
		return
	}

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnectionID: conn.ID, UserContext: userContext})

	h.reg.Touch(ctx, conn.ID)
	h.rt.Dispatch(ctx, conn, raw)

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "accepted", "connection_id": conn.ID})
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// handleUnknownConnection buffers the first-connect race: a request whose
// connection id is not (yet) known is held as pending when it names its
// backend via server_url, otherwise the id is treated as expired.
func (h *Handler) handleUnknownConnection(ctx context.Context, w http.ResponseWriter, r *http.Request, cid, credential string, raw json.RawMessage) {
	serverURL := r.URL.Query().Get("server_url")
	if serverURL == "" {
		writeJSONError(w, http.StatusNotFound, "unknown connection id")
		h.log.InfoContext(ctx, "conn.load.miss", slog.String("connection_id", cid))
		return
	}

	userContext, err := h.validator.Validate(ctx, credential, serverURL)
	if err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := h.reg.AddPending(ctx, &registry.PendingRequest{
		ConnectionID: cid,
		Request:      raw,
		ServerURL:    serverURL,
		AuthToken:    credential,
	}); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to buffer request")
		h.log.ErrorContext(ctx, "pending.add.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "pending.buffer",
		slog.String("connection_id", cid),
		slog.String("user", userContext))
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "accepted", "connection_id": cid})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(h.reg.Stats().Snapshot())
}

// writeSSEEvent writes one SSE frame with the given event type and flushes.
func writeSSEEvent(wf *lockedWriteFlusher, event string, payload []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", event); err != nil {
			return fmt.Errorf("failed to write SSE event type: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// writeKeepAlive emits an SSE comment line that clients ignore.
func writeKeepAlive(wf *lockedWriteFlusher) error {
	if _, err := wf.Write([]byte(": keep-alive\n\n")); err != nil {
		return err
	}
	wf.Flush()
	return nil
}
