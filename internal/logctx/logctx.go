// Package logctx decorates slog records with request-scoped collaboration
// context carried on the context.Context.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnectionID),
			slog.String("remote_addr", cd.RemoteAddr),
			slog.String("user_agent", cd.UserAgent),
		))
	}

	if dd, ok := ctx.Value(docDataKey{}).(*DocData); ok {
		r.AddAttrs(slog.Group("doc",
			slog.String("id", dd.DocumentID),
			slog.String("subject", dd.Subject),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type connDataKey struct{}

type ConnData struct {
	ConnectionID string
	RemoteAddr   string
	UserAgent    string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type docDataKey struct{}

type DocData struct {
	DocumentID string
	Subject    string
}

func WithDocData(ctx context.Context, data *DocData) context.Context {
	return context.WithValue(ctx, docDataKey{}, data)
}
