// Package router classifies inbound JSON-RPC messages as locally handled or
// backend-forwarded, executes them, and delivers results either synchronously
// (stdio) or through a connection's response queue (streaming HTTP).
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/promptbridge/bridge/backend"
	"github.com/promptbridge/bridge/internal/jsonrpc"
	"github.com/promptbridge/bridge/internal/logctx"
	"github.com/promptbridge/bridge/registry"
)

// localMethod is the closed enumeration of methods the bridge answers
// without a backend round-trip. Everything else takes the forward arm.
type localMethod int

const (
	methodForward localMethod = iota
	methodInitialize
	methodPing
	methodResourcesList
	methodNotification
)

func classify(name string) localMethod {
	switch name {
	case "initialize":
		return methodInitialize
	case "ping":
		return methodPing
	case "resources/list":
		return methodResourcesList
	case "notifications/initialized":
		return methodNotification
	default:
		return methodForward
	}
}

// Target identifies the backend a message proxies to.
type Target struct {
	ServerURL string
	AuthToken string
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// Router executes inbound JSON-RPC messages.
type Router struct {
	backend *backend.Client
	reg     *registry.Registry
	log     *slog.Logger

	gateMu sync.Mutex
	gates  map[string]chan struct{}
}

// New constructs a Router.
func New(bc *backend.Client, reg *registry.Registry, opts ...Option) *Router {
	r := &Router{
		backend: bc,
		reg:     reg,
		log:     slog.Default(),
		gates:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HoldDispatches marks the connection as replaying its buffered requests.
// While held, Dispatch defers processing so responses to buffered requests
// reach the queue ahead of anything posted after the stream handshake. The
// returned release is idempotent and must always be called.
func (r *Router) HoldDispatches(connID string) (release func()) {
	gate := make(chan struct{})
	r.gateMu.Lock()
	r.gates[connID] = gate
	r.gateMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.gateMu.Lock()
			delete(r.gates, connID)
			r.gateMu.Unlock()
			close(gate)
		})
	}
}

func (r *Router) awaitDispatch(connID string) {
	r.gateMu.Lock()
	gate, ok := r.gates[connID]
	r.gateMu.Unlock()
	if ok {
		<-gate
	}
}

// Handle processes one raw inbound message against the given target and
// returns its outcome. It never panics and never returns a malformed
// response: parse failures become parse-error responses, anything unexpected
// becomes a generic internal error carrying the original id when known.
func (r *Router) Handle(ctx context.Context, target Target, raw []byte) (out Outcome) {
	r.reg.Stats().CountRequest()

	req, err := jsonrpc.ParseRequest(raw)
	if err != nil {
		r.log.InfoContext(ctx, "rpc.parse.fail", slog.String("err", err.Error()))
		return Respond(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError,
			"parse error", map[string]any{"detail": err.Error()}))
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String()})

	defer func() {
		if rec := recover(); rec != nil {
			r.reg.Stats().CountError()
			r.log.ErrorContext(ctx, "rpc.handle.panic", slog.Any("panic", rec))
			out = Respond(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError,
				"internal error", nil))
		}
	}()

	switch classify(req.Method) {
	case methodInitialize:
		return r.handleInitialize(ctx, target, req)
	case methodPing:
		return r.handlePing(req)
	case methodResourcesList:
		return r.handleResourcesList(req)
	case methodNotification:
		return r.handleNotification(ctx, req)
	default:
		return r.handleForward(ctx, target, req)
	}
}

// Dispatch processes a message for a streaming connection: the outcome (when
// it responds) lands on the connection's queue and the caller gets only a
// lightweight acknowledgment. Processing happens off the request's own
// lifecycle so a slow backend never stalls the POST.
func (r *Router) Dispatch(ctx context.Context, conn *registry.Connection, raw []byte) {
	target := Target{ServerURL: conn.ServerURL, AuthToken: conn.AuthToken}
	detached := context.WithoutCancel(ctx)

	go func() {
		r.awaitDispatch(conn.ID)
		out := r.Handle(detached, target, raw)
		r.deliver(detached, conn.ID, out)
	}()
}

// ReplayPending drains the pending buffer for a freshly created connection
// and processes every entry in arrival order, delivering results to the
// connection's queue before any newly posted message is handled.
func (r *Router) ReplayPending(ctx context.Context, conn *registry.Connection) error {
	pending, err := r.reg.DrainPending(ctx, conn.ID)
	if err != nil {
		return err
	}
	for _, p := range pending {
		target := Target{ServerURL: p.ServerURL, AuthToken: p.AuthToken}
		if target.ServerURL == "" {
			target = Target{ServerURL: conn.ServerURL, AuthToken: conn.AuthToken}
		}
		out := r.Handle(ctx, target, p.Request)
		r.deliver(ctx, conn.ID, out)
	}
	if len(pending) > 0 {
		r.log.InfoContext(ctx, "pending.replay", slog.Int("count", len(pending)))
	}
	return nil
}

func (r *Router) deliver(ctx context.Context, connID string, out Outcome) {
	resp, ok := out.Response()
	if !ok {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		r.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	if err := r.reg.Enqueue(ctx, connID, data); err != nil {
		r.log.WarnContext(ctx, "queue.enqueue.fail",
			slog.String("connection_id", connID),
			slog.String("err", err.Error()))
	}
}

func (r *Router) handleInitialize(ctx context.Context, target Target, req *jsonrpc.Request) Outcome {
	// Prefer live capability negotiation; static defaults only when the
	// backend cannot answer.
	if target.ServerURL != "" {
		result, err := r.backend.Negotiate(ctx, target.ServerURL, target.AuthToken, req)
		if err == nil {
			return Respond(&jsonrpc.Response{
				JSONRPCVersion: jsonrpc.ProtocolVersion,
				Result:         result,
				ID:             req.ID,
			})
		}
		r.log.InfoContext(ctx, "initialize.negotiate.fallback", slog.String("err", err.Error()))
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, defaultCapabilities())
	if err != nil {
		return Respond(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError,
			"internal error", nil))
	}
	return Respond(resp)
}

func (r *Router) handlePing(req *jsonrpc.Request) Outcome {
	resp, err := jsonrpc.NewResultResponse(req.ID, map[string]any{"status": "pong"})
	if err != nil {
		return Respond(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError,
			"internal error", nil))
	}
	return Respond(resp)
}

func (r *Router) handleResourcesList(req *jsonrpc.Request) Outcome {
	resp, err := jsonrpc.NewResultResponse(req.ID, map[string]any{"resources": []any{}})
	if err != nil {
		return Respond(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError,
			"internal error", nil))
	}
	return Respond(resp)
}

func (r *Router) handleNotification(ctx context.Context, req *jsonrpc.Request) Outcome {
	if req.IsNotification() {
		r.log.DebugContext(ctx, "rpc.notification.silent")
		return Silent()
	}
	// Some clients send lifecycle notifications with an id; acknowledge so
	// they are not left waiting.
	resp, err := jsonrpc.NewResultResponse(req.ID, map[string]any{"acknowledged": true})
	if err != nil {
		return Respond(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError,
			"internal error", nil))
	}
	return Respond(resp)
}

func (r *Router) handleForward(ctx context.Context, target Target, req *jsonrpc.Request) Outcome {
	resp := r.backend.Forward(ctx, target.ServerURL, target.AuthToken, req)
	if resp.Error != nil {
		r.reg.Stats().CountError()
	}
	if req.IsNotification() {
		// Notifications never get a reply, whatever the backend answered.
		return Silent()
	}
	return Respond(resp)
}

// defaultCapabilities is the static fallback served when the backend cannot
// negotiate initialize itself.
func defaultCapabilities() map[string]any {
	return map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "assistant-bridge",
			"version": "1.0.0",
		},
	}
}
