// Package wire defines the event shapes exchanged between clients and the
// collaboration gateway. Inbound events carry {type, documentId, payload};
// outbound events mirror the shape plus the originating connection so each
// recipient can filter out its own echoes. Framing is the transport's
// concern; this package only fixes the JSON structure.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/coedit/collab-server-go/presence"
)

type EventType string

// Inbound event types.
const (
	EventJoin        EventType = "join"
	EventUpdate      EventType = "update"
	EventCursor      EventType = "cursor"
	EventTypingStart EventType = "typingStart"
	EventTypingStop  EventType = "typingStop"
	EventLeave       EventType = "leave"
)

// Outbound event types.
const (
	EventSnapshot          EventType = "snapshot"
	EventParticipantJoined EventType = "participantJoined"
	EventParticipantLeft   EventType = "participantLeft"
	EventTyping            EventType = "typing"
)

// Event is the single envelope for all inbound and outbound messages. Only
// the fields relevant to Type are populated.
type Event struct {
	Type       EventType `json:"type"`
	DocumentID string    `json:"documentId,omitempty"`

	// SenderID identifies the originating connection on outbound events.
	SenderID string `json:"senderId,omitempty"`

	// Identity accompanies join events.
	Identity *presence.Identity `json:"identity,omitempty"`

	// Payload is the opaque merge update (base64 over JSON).
	Payload []byte `json:"payload,omitempty"`

	// Cursor accompanies cursor events.
	Cursor *presence.Cursor `json:"cursor,omitempty"`

	// IsTyping accompanies typing events.
	IsTyping bool `json:"isTyping,omitempty"`

	// State is the full encoded merge state; snapshot events only.
	State []byte `json:"state,omitempty"`

	// Participants is the current participant list; snapshot and
	// participantJoined/participantLeft events.
	Participants []presence.Participant `json:"participants,omitempty"`
}

// Decode parses a raw inbound frame.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("decode event: missing type")
	}
	return ev, nil
}

// Encode serializes an event for transmission or broker publication.
func Encode(ev Event) []byte {
	b, err := json.Marshal(ev)
	if err != nil {
		// Event contains only marshalable fields; this is unreachable in
		// practice but kept loud rather than silently dropping.
		return []byte(fmt.Sprintf(`{"type":"error","error":%q}`, err.Error()))
	}
	return b
}
