// Package stdio is the bridge's single-session ingress: one JSON-RPC message
// per line on standard input, responses as JSON lines on standard output.
// There is exactly one logical session per OS process, so no connection id is
// involved; outcomes return synchronously.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/promptbridge/bridge/router"
)

// maxLineBytes bounds a single inbound message line.
const maxLineBytes = 4 * 1024 * 1024

// Handler reads JSON-RPC messages line-by-line and dispatches them through
// the router without a connection id.
type Handler struct {
	rt     *router.Router
	target router.Target
	r      io.Reader
	w      io.Writer
	log    *slog.Logger
}

// NewHandler constructs a stdio Handler with defaults (os.Stdin/os.Stdout)
// and applies options.
func NewHandler(rt *router.Router, target router.Target, opts ...Option) *Handler {
	h := &Handler{
		rt:     rt,
		target: target,
		r:      os.Stdin,
		w:      os.Stdout,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the line loop until EOF on the reader or ctx cancellation.
// Notifications produce no output line; malformed lines produce a parse-error
// response.
func (h *Handler) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(h.r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		out := h.rt.Handle(ctx, h.target, line)
		resp, ok := out.Response()
		if !ok {
			continue
		}

		data, err := json.Marshal(resp)
		if err != nil {
			h.log.ErrorContext(ctx, "stdio.response.marshal.fail", slog.String("err", err.Error()))
			continue
		}
		if _, err := fmt.Fprintf(h.w, "%s\n", data); err != nil {
			return fmt.Errorf("write response line: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}
