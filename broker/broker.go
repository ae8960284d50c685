// Package broker decouples session mutations from delivery to connected
// clients. Each document gets its own namespace with ordered envelopes;
// publishing is non-blocking so a backlogged recipient can never stall the
// publisher (the session holds its lock across Publish).
package broker

import "context"

// Broker routes serialized collaboration events to per-document streams.
type Broker interface {
	// Publish appends data to the document's stream and returns the
	// generated event ID. It must not block on slow subscribers.
	Publish(ctx context.Context, documentID string, data []byte) (eventID string, err error)

	// Subscribe opens an ordered stream over the document's events. If
	// lastEventID is empty the stream starts at the next published event;
	// otherwise it resumes from the event after lastEventID.
	Subscribe(ctx context.Context, documentID string, lastEventID string) (EventStream, error)

	// Cleanup releases all resources for a document: stored events and
	// active subscriptions. Subscribers observe end-of-stream.
	Cleanup(ctx context.Context, documentID string) error
}

// EventStream yields a document's events in publish order. A stream is for
// a single consumer.
type EventStream interface {
	// Next blocks until an event is available or the context ends. It
	// returns io.EOF once the stream is closed or cleaned up.
	Next(ctx context.Context) (Envelope, error)

	// Close releases the stream. Subsequent Next calls return io.EOF.
	Close() error
}

// Envelope wraps one published event with its delivery metadata.
type Envelope struct {
	// ID is unique and monotonically increasing within the document.
	ID string `json:"id"`
	// Data is the serialized event.
	Data []byte `json:"data"`
}
