// Package memory provides an in-memory implementation of the broker.Broker
// interface using Go channels for delivery. Suitable for single-node
// deployments and tests; state is local to the process.
package memory

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coedit/collab-server-go/broker"
)

// subscriberBuffer bounds how far a recipient may lag before events are
// dropped for it. Dropping is the documented backpressure behavior: a slow
// connection loses events rather than stalling the document's publisher.
const subscriberBuffer = 256

// defaultMaxEvents caps the per-document retained history. Retention exists
// only to serve lastEventID resume; the cap mirrors the redis broker's
// approximate stream trim so a long-lived document cannot accumulate every
// cursor move and typing toggle for its whole lifetime.
const defaultMaxEvents = 4096

// Broker implements broker.Broker with per-document in-memory queues.
type Broker struct {
	mu           sync.RWMutex
	documents    map[string]*docQueue
	eventCounter atomic.Int64
	maxEvents    int
}

type docQueue struct {
	mu          sync.RWMutex
	events      []broker.Envelope
	subscribers map[*stream]struct{}
	closed      bool
}

type stream struct {
	queue  *docQueue
	ch     chan broker.Envelope
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func New() *Broker {
	return NewWithMaxEvents(defaultMaxEvents)
}

// NewWithMaxEvents caps each document's retained history at maxEvents.
// Events older than the cap are no longer available for resume.
func NewWithMaxEvents(maxEvents int) *Broker {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	return &Broker{documents: make(map[string]*docQueue), maxEvents: maxEvents}
}

func (b *Broker) Publish(ctx context.Context, documentID string, data []byte) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	eventID := strconv.FormatInt(b.eventCounter.Add(1), 10)
	env := broker.Envelope{ID: eventID, Data: append([]byte(nil), data...)}

	q := b.queueFor(documentID)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", fmt.Errorf("document %q has been cleaned up", documentID)
	}

	q.events = append(q.events, env)
	// Approximate trim: let the history overshoot the cap and compact in
	// one copy, so a long-lived document does not pay a copy per publish.
	if len(q.events) >= 2*b.maxEvents {
		trimmed := make([]broker.Envelope, b.maxEvents)
		copy(trimmed, q.events[len(q.events)-b.maxEvents:])
		q.events = trimmed
	}

	for sub := range q.subscribers {
		select {
		case sub.ch <- env:
		case <-sub.ctx.Done():
			delete(q.subscribers, sub)
		default:
			// Subscriber buffer full: drop for this recipient.
		}
	}

	return eventID, nil
}

func (b *Broker) Subscribe(ctx context.Context, documentID string, lastEventID string) (broker.EventStream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	q := b.queueFor(documentID)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, fmt.Errorf("document %q has been cleaned up", documentID)
	}

	var replay []broker.Envelope
	if lastEventID != "" {
		for i, env := range q.events {
			if env.ID == lastEventID {
				replay = q.events[i+1:]
				break
			}
		}
	}

	// The channel absorbs the whole replay up front, so seeding it here
	// cannot block while q.mu is held and wedge the document's publishers.
	subCtx, cancel := context.WithCancel(ctx)
	sub := &stream{
		queue:  q,
		ch:     make(chan broker.Envelope, len(replay)+subscriberBuffer),
		ctx:    subCtx,
		cancel: cancel,
	}
	for _, env := range replay {
		sub.ch <- env
	}
	q.subscribers[sub] = struct{}{}

	return sub, nil
}

func (b *Broker) Cleanup(ctx context.Context, documentID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.Lock()
	q, exists := b.documents[documentID]
	if !exists {
		b.mu.Unlock()
		return nil
	}
	delete(b.documents, documentID)
	b.mu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for sub := range q.subscribers {
		if sub.closed.CompareAndSwap(false, true) {
			sub.cancel()
			close(sub.ch)
		}
	}
	q.subscribers = make(map[*stream]struct{})
	q.events = nil

	return nil
}

func (b *Broker) queueFor(documentID string) *docQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.documents[documentID]
	if !ok {
		q = &docQueue{
			events:      make([]broker.Envelope, 0),
			subscribers: make(map[*stream]struct{}),
		}
		b.documents[documentID] = q
	}
	return q
}

func (s *stream) Next(ctx context.Context) (broker.Envelope, error) {
	if s.closed.Load() {
		return broker.Envelope{}, io.EOF
	}

	select {
	case env, ok := <-s.ch:
		if !ok {
			return broker.Envelope{}, io.EOF
		}
		return env, nil
	case <-ctx.Done():
		return broker.Envelope{}, ctx.Err()
	case <-s.ctx.Done():
		return broker.Envelope{}, s.ctx.Err()
	}
}

func (s *stream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.queue.mu.Lock()
		delete(s.queue.subscribers, s)
		s.queue.mu.Unlock()

		s.cancel()
		close(s.ch)
	}
	return nil
}

var (
	_ broker.Broker      = (*Broker)(nil)
	_ broker.EventStream = (*stream)(nil)
)
