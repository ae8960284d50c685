// Package wstransport exposes the collaboration gateway over WebSocket.
// One connection maps to one participant: the read pump decodes inbound
// events and dispatches them to the gateway, the write pump forwards the
// document's broadcast stream, filtering out the connection's own events.
package wstransport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/coedit/collab-server-go/auth"
	"github.com/coedit/collab-server-go/broker"
	"github.com/coedit/collab-server-go/gateway"
	"github.com/coedit/collab-server-go/internal/logctx"
	"github.com/coedit/collab-server-go/presence"
	"github.com/coedit/collab-server-go/wire"
)

// sendBuffer bounds the per-connection outbound queue. A connection that
// cannot drain it loses events rather than stalling the document.
const sendBuffer = 256

type Handler struct {
	gw       *gateway.Gateway
	authz    auth.Authorizer
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(gw *gateway.Gateway, authz auth.Authorizer, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		gw:    gw,
		authz: authz,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	credential := bearerToken(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("err", err.Error()))
		return
	}

	connID := uuid.NewString()
	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{
		ConnectionID: connID,
		RemoteAddr:   r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	})

	c := &clientConn{
		h:          h,
		conn:       conn,
		connID:     connID,
		credential: credential,
		sendCh:     make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
	}
	c.run(ctx)
}

// clientConn is the per-connection state of the transport. The gateway's
// connection record is the authoritative join state; everything here only
// services the socket.
type clientConn struct {
	h          *Handler
	conn       *websocket.Conn
	connID     string
	credential string

	grant  auth.Grant
	joined bool

	sendCh chan []byte
	done   chan struct{}

	cancelStream context.CancelFunc
}

func (c *clientConn) run(ctx context.Context) {
	defer c.conn.Close()
	// Disconnect is idempotent, so the deferred call is safe even when the
	// read loop already handled an explicit leave.
	defer c.h.gw.Disconnect(context.WithoutCancel(ctx), c.connID)
	defer close(c.done)
	defer func() {
		if c.cancelStream != nil {
			c.cancelStream()
		}
	}()

	go c.writePump()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) || (ce.Code != websocket.CloseNormalClosure && ce.Code != websocket.CloseGoingAway) {
				c.h.log.DebugContext(ctx, "connection read ended", slog.String("err", err.Error()))
			}
			return
		}

		ev, err := wire.Decode(data)
		if err != nil {
			c.h.log.WarnContext(ctx, "dropping malformed event", slog.String("err", err.Error()))
			continue
		}

		if done := c.handleEvent(ctx, ev); done {
			return
		}
	}
}

// handleEvent dispatches one inbound event. Failures are logged and the
// event dropped; only an explicit leave ends the connection.
func (c *clientConn) handleEvent(ctx context.Context, ev wire.Event) (done bool) {
	switch ev.Type {
	case wire.EventJoin:
		c.handleJoin(ctx, ev)

	case wire.EventUpdate:
		if !c.joined {
			c.h.log.WarnContext(ctx, "dropping update before join")
			return false
		}
		if !c.grant.CanEdit {
			c.h.log.WarnContext(ctx, "dropping update from viewer", slog.String("doc_id", ev.DocumentID))
			return false
		}
		if err := c.h.gw.Update(ctx, c.connID, ev.DocumentID, ev.Payload); err != nil {
			c.h.log.WarnContext(ctx, "dropping update", slog.String("err", err.Error()))
		}

	case wire.EventCursor:
		if ev.Cursor == nil {
			c.h.log.WarnContext(ctx, "dropping cursor event without cursor")
			return false
		}
		if err := c.h.gw.Cursor(ctx, c.connID, ev.DocumentID, *ev.Cursor); err != nil {
			c.h.log.WarnContext(ctx, "dropping cursor event", slog.String("err", err.Error()))
		}

	case wire.EventTypingStart, wire.EventTypingStop:
		typing := ev.Type == wire.EventTypingStart
		if err := c.h.gw.Typing(ctx, c.connID, ev.DocumentID, typing); err != nil {
			c.h.log.WarnContext(ctx, "dropping typing event", slog.String("err", err.Error()))
		}

	case wire.EventLeave:
		return true

	default:
		c.h.log.WarnContext(ctx, "dropping event of unknown type", slog.String("type", string(ev.Type)))
	}
	return false
}

func (c *clientConn) handleJoin(ctx context.Context, ev wire.Event) {
	if c.joined {
		c.h.log.WarnContext(ctx, "dropping duplicate join", slog.String("doc_id", ev.DocumentID))
		return
	}
	if ev.DocumentID == "" {
		c.h.log.WarnContext(ctx, "dropping join without document id")
		return
	}

	grant, err := c.h.authz.Authorize(ctx, c.credential, ev.DocumentID)
	if err != nil {
		c.h.log.WarnContext(ctx, "join rejected", slog.String("doc_id", ev.DocumentID), slog.String("err", err.Error()))
		return
	}

	ident := presence.Identity{}
	if ev.Identity != nil {
		ident = *ev.Identity
	}
	if ident.Name == "" {
		ident.Name = grant.Subject
	}

	ctx = logctx.WithDocData(ctx, &logctx.DocData{DocumentID: ev.DocumentID, Subject: grant.Subject})

	// Subscribe before joining so no broadcast published between the join
	// and the subscription can be missed. The stream starts at the next
	// event; our own join broadcast is filtered by sender below.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := c.h.gw.Stream(streamCtx, ev.DocumentID, "")
	if err != nil {
		cancel()
		c.h.log.ErrorContext(ctx, "failed to open document stream", slog.String("err", err.Error()))
		return
	}

	info, err := c.h.gw.Join(ctx, c.connID, ev.DocumentID, ident)
	if err != nil {
		cancel()
		_ = stream.Close()
		c.h.log.WarnContext(ctx, "join failed", slog.String("err", err.Error()))
		return
	}

	c.joined = true
	c.grant = grant
	c.cancelStream = cancel

	// Snapshot goes to the joiner only. Existing participants' cursors are
	// intentionally ephemeral: the list carries whatever they last
	// reported, and the client fills in the rest from live events.
	c.enqueue(wire.Encode(wire.Event{
		Type:         wire.EventSnapshot,
		DocumentID:   ev.DocumentID,
		State:        info.Snapshot,
		Participants: info.Participants,
	}))

	go c.forwardStream(streamCtx, stream)
}

// forwardStream copies the document's broadcast stream onto the socket,
// dropping the connection's own events.
func (c *clientConn) forwardStream(ctx context.Context, stream broker.EventStream) {
	defer func() { _ = stream.Close() }()
	for {
		env, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				c.h.log.Debug("document stream ended", slog.String("err", err.Error()))
			}
			return
		}
		ev, err := wire.Decode(env.Data)
		if err != nil {
			continue
		}
		if ev.SenderID == c.connID {
			continue
		}
		c.enqueue(env.Data)
	}
}

func (c *clientConn) enqueue(data []byte) {
	select {
	case c.sendCh <- data:
	case <-c.done:
	default:
		// Outbound queue full: drop for this recipient.
	}
}

func (c *clientConn) writePump() {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}
