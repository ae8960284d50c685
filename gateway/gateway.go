// Package gateway routes inbound client events to the owning document
// session and hands transports the event streams to fan results back out.
// The gateway holds no document state itself: the only thing it remembers
// is an explicit per-connection record of who joined which document, so
// disconnect handling never depends on ambient transport state.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/coedit/collab-server-go/broker"
	"github.com/coedit/collab-server-go/presence"
	"github.com/coedit/collab-server-go/sessions"
)

var (
	// ErrNotJoined indicates an event from a connection that has not joined
	// a document. The event is dropped; the connection stays alive.
	ErrNotJoined = errors.New("connection has not joined a document")

	// ErrAlreadyJoined indicates a second join on a live connection.
	ErrAlreadyJoined = errors.New("connection already joined a document")

	// ErrDocMismatch indicates an event naming a different document than
	// the one the connection joined.
	ErrDocMismatch = errors.New("event document does not match joined document")
)

// connContext is the explicit per-connection record established at join
// time. Every handler call resolves the document through it rather than
// through any transport-scoped state.
type connContext struct {
	connID     string
	documentID string
	identity   presence.Identity
}

// Gateway is a pure router between connections and document sessions.
type Gateway struct {
	reg    *sessions.Registry
	reaper *sessions.Reaper
	bus    broker.Broker
	log    *slog.Logger

	mu    sync.Mutex
	conns map[string]*connContext
}

func New(reg *sessions.Registry, reaper *sessions.Reaper, bus broker.Broker, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		reg:    reg,
		reaper: reaper,
		bus:    bus,
		log:    log,
		conns:  make(map[string]*connContext),
	}
}

// Join resolves (or lazily creates) the document session, adds the
// participant, and returns the snapshot + participant list that must go to
// the joining connection only. The participant-joined broadcast to everyone
// else is emitted by the session itself.
func (g *Gateway) Join(ctx context.Context, connID, documentID string, ident presence.Identity) (sessions.JoinInfo, error) {
	g.mu.Lock()
	if _, ok := g.conns[connID]; ok {
		g.mu.Unlock()
		return sessions.JoinInfo{}, ErrAlreadyJoined
	}
	g.conns[connID] = &connContext{connID: connID, documentID: documentID, identity: ident}
	g.mu.Unlock()

	sess := g.reg.GetOrCreate(documentID)
	info := sess.Join(ctx, connID, ident)

	g.log.Info("participant joined",
		slog.String("doc_id", documentID),
		slog.String("conn_id", connID),
		slog.String("name", ident.Name),
		slog.Int("participants", len(info.Participants)))

	return info, nil
}

// Update applies the payload to the joined document's session. On success
// the session relays the raw payload to the other participants. A malformed
// payload or an unknown/mismatched document drops the event with an error
// for the transport to log; it never tears down the connection.
func (g *Gateway) Update(ctx context.Context, connID, documentID string, payload []byte) error {
	cc, err := g.lookup(connID, documentID)
	if err != nil {
		return err
	}
	sess, ok := g.reg.Lookup(cc.documentID)
	if !ok {
		return ErrNotJoined
	}
	return sess.ApplyUpdate(ctx, connID, payload)
}

// Cursor relays a cursor move to the other participants.
func (g *Gateway) Cursor(ctx context.Context, connID, documentID string, cur presence.Cursor) error {
	cc, err := g.lookup(connID, documentID)
	if err != nil {
		return err
	}
	sess, ok := g.reg.Lookup(cc.documentID)
	if !ok {
		return ErrNotJoined
	}
	sess.UpdateCursor(ctx, connID, cur)
	return nil
}

// Typing relays a typing-state change to the other participants.
func (g *Gateway) Typing(ctx context.Context, connID, documentID string, typing bool) error {
	cc, err := g.lookup(connID, documentID)
	if err != nil {
		return err
	}
	sess, ok := g.reg.Lookup(cc.documentID)
	if !ok {
		return ErrNotJoined
	}
	sess.SetTyping(ctx, connID, typing)
	return nil
}

// Disconnect removes the participant from its session and, if it was the
// last one, schedules the reap under the freshly incremented generation.
// It is idempotent: duplicate terminal events for the same connection are
// no-ops after the first.
func (g *Gateway) Disconnect(ctx context.Context, connID string) {
	g.mu.Lock()
	cc, ok := g.conns[connID]
	if ok {
		delete(g.conns, connID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	sess, found := g.reg.Lookup(cc.documentID)
	if !found {
		return
	}
	remaining, generation := sess.Leave(ctx, connID)

	g.log.Info("participant left",
		slog.String("doc_id", cc.documentID),
		slog.String("conn_id", connID),
		slog.Int("remaining", remaining))

	if remaining == 0 {
		g.reaper.Schedule(cc.documentID, generation)
	}
}

// Stream opens the ordered outbound event stream for a document. Transports
// subscribe at join time and filter out envelopes originated by their own
// connection.
func (g *Gateway) Stream(ctx context.Context, documentID, lastEventID string) (broker.EventStream, error) {
	return g.bus.Subscribe(ctx, documentID, lastEventID)
}

// Snapshot returns the current encoded merge state for a live document, or
// false if no session exists.
func (g *Gateway) Snapshot(documentID string) ([]byte, bool) {
	sess, ok := g.reg.Lookup(documentID)
	if !ok {
		return nil, false
	}
	return sess.Snapshot(), true
}

// ActiveSessions exposes the registry's live session count.
func (g *Gateway) ActiveSessions() int { return g.reg.Len() }

func (g *Gateway) lookup(connID, documentID string) (*connContext, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cc, ok := g.conns[connID]
	if !ok {
		return nil, ErrNotJoined
	}
	if documentID != "" && documentID != cc.documentID {
		return nil, ErrDocMismatch
	}
	return cc, nil
}
