// Package presence tracks the ephemeral, per-connection display state of a
// document's participants: identity, cursor, selection, and typing flag.
// Presence is never part of durable document content; a late joiner starts
// from a neutral view and fills it in from live events.
package presence

import (
	"sync"
	"time"
)

// Identity is the externally supplied descriptor for a participant. It is
// provided at join time and immutable for the connection's lifetime.
type Identity struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Color string `json:"color,omitempty"`
}

// Selection is a half-open range over the document.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Cursor is the last reported caret position plus optional selection.
type Cursor struct {
	Position  int        `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
}

// Participant is one live connection's presence within a document.
type Participant struct {
	ConnectionID string    `json:"connectionId"`
	Identity     Identity  `json:"identity"`
	Cursor       *Cursor   `json:"cursor,omitempty"`
	IsTyping     bool      `json:"isTyping"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Tracker holds the participant set for one document. Safe for concurrent
// use, though the owning session already serializes mutations.
type Tracker struct {
	mu           sync.RWMutex
	participants map[string]*Participant
}

func NewTracker() *Tracker {
	return &Tracker{participants: make(map[string]*Participant)}
}

// Add registers a participant. Re-adding an existing connection overwrites
// its identity and resets presence to the neutral state.
func (t *Tracker) Add(connID string, ident Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.participants[connID] = &Participant{
		ConnectionID: connID,
		Identity:     ident,
		JoinedAt:     time.Now().UTC(),
	}
}

// Remove deletes a participant and reports whether it was present.
func (t *Tracker) Remove(connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.participants[connID]
	delete(t.participants, connID)
	return ok
}

// SetCursor overwrites the participant's cursor. Unknown connections are
// ignored (a cursor event racing a disconnect is not an error).
func (t *Tracker) SetCursor(connID string, cur Cursor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.participants[connID]; ok {
		c := cur
		p.Cursor = &c
	}
}

// SetTyping overwrites the participant's typing flag.
func (t *Tracker) SetTyping(connID string, typing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.participants[connID]; ok {
		p.IsTyping = typing
	}
}

// Get returns a copy of one participant's presence.
func (t *Tracker) Get(connID string) (Participant, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.participants[connID]
	if !ok {
		return Participant{}, false
	}
	return clone(p), true
}

// List returns a copy of all participants. Order is unspecified.
func (t *Tracker) List() []Participant {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Participant, 0, len(t.participants))
	for _, p := range t.participants {
		out = append(out, clone(p))
	}
	return out
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.participants)
}

func clone(p *Participant) Participant {
	cp := *p
	if p.Cursor != nil {
		c := *p.Cursor
		if p.Cursor.Selection != nil {
			s := *p.Cursor.Selection
			c.Selection = &s
		}
		cp.Cursor = &c
	}
	return cp
}
