package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coedit/collab-server-go/broker"
	"github.com/coedit/collab-server-go/merge"
	"github.com/coedit/collab-server-go/presence"
	"github.com/coedit/collab-server-go/wire"
)

// Session is one document's live collaborative state: its merge state, its
// participant presence, and the generation counter guarding deferred
// reclamation. All mutating operations are serialized by an internal mutex.
type Session struct {
	id string

	mu             sync.Mutex
	state          merge.State
	pres           *presence.Tracker
	generation     uint64
	createdAt      time.Time
	lastActivityAt time.Time

	bus     broker.Broker
	log     *slog.Logger
	metrics MetricsSink
}

// JoinInfo is returned to the joining connection only: the full merge-state
// snapshot to initialize from and the current participant list for initial
// presence rendering. The list carries neutral cursor/typing state: presence
// is ephemeral and only ever travels as live events, so a late joiner sees
// no cursors until the next cursor update arrives.
type JoinInfo struct {
	Snapshot     []byte
	Participants []presence.Participant
}

// neutralized clears ephemeral presence from a participant list. Cursor and
// typing state is live-event-only and never presented as current state.
func neutralized(list []presence.Participant) []presence.Participant {
	out := make([]presence.Participant, len(list))
	for i, p := range list {
		p.Cursor = nil
		p.IsTyping = false
		out[i] = p
	}
	return out
}

func newSession(id string, state merge.State, bus broker.Broker, log *slog.Logger, metrics MetricsSink) *Session {
	now := time.Now().UTC()
	return &Session{
		id:             id,
		state:          state,
		pres:           presence.NewTracker(),
		createdAt:      now,
		lastActivityAt: now,
		bus:            bus,
		log:            log.With(slog.String("doc_id", id)),
		metrics:        metrics,
	}
}

func (s *Session) ID() string { return s.id }

// Join adds the participant and returns the snapshot + participant list.
// A participant-joined event is broadcast to everyone else; the generation
// counter is deliberately untouched (it only moves on nonzero-to-zero
// participant transitions).
func (s *Session) Join(ctx context.Context, connID string, ident presence.Identity) JoinInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pres.Add(connID, ident)
	s.touchLocked()

	info := JoinInfo{
		Snapshot:     s.state.Encode(),
		Participants: neutralized(s.pres.List()),
	}

	s.publishLocked(ctx, wire.Event{
		Type:         wire.EventParticipantJoined,
		DocumentID:   s.id,
		SenderID:     connID,
		Identity:     &ident,
		Participants: info.Participants,
	})

	return info
}

// ApplyUpdate feeds the payload into the merge state. On success the raw
// payload is relayed to the other participants; on decode failure the
// update is dropped, the state is untouched, and the error is returned for
// the caller to log. Other participants are never affected.
func (s *Session) ApplyUpdate(ctx context.Context, connID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.state.Apply(payload); err != nil {
		s.metrics.IncCounter("collab_updates_rejected", map[string]string{"doc": s.id})
		return err
	}
	s.touchLocked()

	s.publishLocked(ctx, wire.Event{
		Type:       wire.EventUpdate,
		DocumentID: s.id,
		SenderID:   connID,
		Payload:    payload,
	})
	return nil
}

// UpdateCursor overwrites the participant's cursor and relays it. No
// history is retained and cursors never enter the join snapshot.
func (s *Session) UpdateCursor(ctx context.Context, connID string, cur presence.Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pres.SetCursor(connID, cur)
	s.touchLocked()

	c := cur
	s.publishLocked(ctx, wire.Event{
		Type:       wire.EventCursor,
		DocumentID: s.id,
		SenderID:   connID,
		Cursor:     &c,
	})
}

// SetTyping overwrites the participant's typing flag and relays it.
func (s *Session) SetTyping(ctx context.Context, connID string, typing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pres.SetTyping(connID, typing)
	s.touchLocked()

	s.publishLocked(ctx, wire.Event{
		Type:       wire.EventTyping,
		DocumentID: s.id,
		SenderID:   connID,
		IsTyping:   typing,
	})
}

// Leave removes the participant and returns the remaining participant count
// plus the session's generation. When the count reaches zero the generation
// is incremented first, so the returned value arms a reap that a later
// rejoin renders inert. Leave is idempotent: a second call for the same
// connection changes nothing and broadcasts nothing.
func (s *Session) Leave(ctx context.Context, connID string) (remaining int, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pres.Remove(connID) {
		return s.pres.Len(), s.generation
	}
	s.touchLocked()

	remaining = s.pres.Len()
	if remaining == 0 {
		s.generation++
	}

	s.publishLocked(ctx, wire.Event{
		Type:         wire.EventParticipantLeft,
		DocumentID:   s.id,
		SenderID:     connID,
		Participants: neutralized(s.pres.List()),
	})

	return remaining, s.generation
}

// Snapshot returns a read-only encode of the current merge state, e.g. for
// the persistence collaborator polling active documents.
func (s *Session) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Encode()
}

// Participants returns a copy of the current participant list.
func (s *Session) Participants() []presence.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pres.List()
}

// Generation returns the current reap-guard generation.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// CreatedAt reports when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivityAt reports the time of the last mutating operation.
func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

func (s *Session) touchLocked() {
	s.lastActivityAt = time.Now().UTC()
}

// publishLocked enqueues an event while the session mutex is held. The
// broker's publish path is append-and-notify only, so this cannot block on
// recipients; doing it under the lock is what keeps delivery order equal to
// apply order. Publish failures degrade to a logged drop.
func (s *Session) publishLocked(ctx context.Context, ev wire.Event) {
	if _, err := s.bus.Publish(ctx, s.id, wire.Encode(ev)); err != nil {
		s.log.Warn("failed to publish event", slog.String("event", string(ev.Type)), slog.String("err", err.Error()))
	}
}
