// Package logctx enriches slog records with request, connection, and RPC
// context carried through context.Context values.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps a slog.Handler and folds any context-attached data groups
// into each record.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnectionID),
			slog.String("user", cd.UserContext),
		))
	}

	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

// RequestData is per-HTTP-request logging context.
type RequestData struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type connDataKey struct{}

// ConnData identifies the streaming connection a record relates to.
type ConnData struct {
	ConnectionID string
	UserContext  string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type rpcMsgKey struct{}

// RPCMessage identifies the JSON-RPC message being processed.
type RPCMessage struct {
	Method string
	ID     string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}
