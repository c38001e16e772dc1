// Package backend implements the HTTP contract with the assistant backend:
// a fixed JSON-RPC-over-HTTP endpoint that executes all business logic, plus
// a credential probe used for delegated authentication.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/promptbridge/bridge/internal/jsonrpc"
)

const (
	// AssistantPath is the backend method endpoint all JSON-RPC traffic is
	// forwarded to, relative to the connection's server URL.
	AssistantPath = "/api/method/frappe_assistant_core.api.assistant_api.handle_assistant_request"

	// loggedUserPath resolves the identity behind a credential.
	loggedUserPath = "/api/method/frappe.auth.get_logged_user"

	authorizationHeader = "Authorization"
)

// ErrUnauthenticated is returned by Probe when the backend rejects the
// presented credential or yields no identifiable user.
var ErrUnauthenticated = errors.New("backend rejected credential")

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds each backend call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the slog logger. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Client talks to assistant backends. One Client serves all connections; the
// per-connection server URL and credential are passed per call.
type Client struct {
	http    *http.Client
	timeout time.Duration
	log     *slog.Logger
}

// New constructs a Client with defaults and applies options.
func New(opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{},
		timeout: 30 * time.Second,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is the optional wrapping the backend applies to its payloads.
type envelope struct {
	Message json.RawMessage `json:"message"`
}

// Forward posts the JSON-RPC request to the backend and returns a well-formed
// JSON-RPC response carrying the original request id. Network faults never
// propagate: timeouts and connection failures are translated into JSON-RPC
// error objects in the implementation-reserved range.
func (c *Client) Forward(ctx context.Context, serverURL, authToken string, req *jsonrpc.Request) *jsonrpc.Response {
	resp, err := c.call(ctx, serverURL, authToken, req)
	if err == nil {
		return resp
	}

	c.log.WarnContext(ctx, "backend.forward.fail", slog.String("err", err.Error()))

	if errors.Is(err, context.DeadlineExceeded) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeBackendTimeout,
			fmt.Sprintf("request to backend timed out after %s", c.timeout), nil)
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError,
			"backend returned an error", map[string]any{"status": statusErr.Status})
	}
	var netErr *transportError
	if errors.As(err, &netErr) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeBackendUnreachable,
			"connection to backend failed", nil)
	}
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError,
		"internal error forwarding request", map[string]any{"detail": err.Error()})
}

// Negotiate forwards an initialize request and returns the backend's raw
// result, or an error when the backend cannot negotiate (letting the caller
// fall back to static capabilities).
func (c *Client) Negotiate(ctx context.Context, serverURL, authToken string, req *jsonrpc.Request) (json.RawMessage, error) {
	resp, err := c.call(ctx, serverURL, authToken, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("backend initialize error: %s", resp.Error.Message)
	}
	if len(resp.Result) == 0 {
		return nil, fmt.Errorf("backend initialize returned no result")
	}
	return resp.Result, nil
}

// StatusError reports a non-200 backend response.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d", e.Status)
}

// transportError marks dial/reset style failures so Forward can code them.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func (c *Client) call(ctx context.Context, serverURL, authToken string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := strings.TrimRight(serverURL, "/") + AssistantPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		httpReq.Header.Set(authorizationHeader, authToken)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, context.DeadlineExceeded
		}
		return nil, &transportError{err: err}
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: httpResp.StatusCode}
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &transportError{err: err}
	}

	// The backend may wrap the real payload one level deep in a "message"
	// field. Unwrap exactly one level if present.
	payload := raw
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Message) > 0 {
		payload = env.Message
	}

	resp, err := jsonrpc.NormalizeResponse(payload, req.ID)
	if err != nil {
		return nil, fmt.Errorf("normalize backend response: %w", err)
	}
	return resp, nil
}

// Probe resolves the identity behind a credential by asking the backend who
// the logged-in user is. The raw Authorization header value is passed through
// verbatim. Returns ErrUnauthenticated for any rejection or unidentifiable
// payload; the error never carries the credential itself.
func (c *Client) Probe(ctx context.Context, serverURL, authHeader string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := strings.TrimRight(serverURL, "/") + loggedUserPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build probe request: %w", err)
	}
	httpReq.Header.Set(authorizationHeader, authHeader)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("probe backend: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return "", ErrUnauthenticated
	}

	var payload struct {
		Message string `json:"message"`
		User    string `json:"user"`
		Email   string `json:"email"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&payload); err != nil {
		return "", ErrUnauthenticated
	}

	switch {
	case payload.Message != "":
		return payload.Message, nil
	case payload.User != "":
		return payload.User, nil
	case payload.Email != "":
		return payload.Email, nil
	}
	return "", ErrUnauthenticated
}
