package sessions

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coedit/collab-server-go/broker"
	"github.com/coedit/collab-server-go/merge"
)

// Registry maps document identifiers to live sessions and exclusively owns
// their lifetimes. It is an explicit component instance, not a process-wide
// singleton, so tests can run isolated registries side by side.
type Registry struct {
	codec   merge.Codec
	bus     broker.Broker
	log     *slog.Logger
	metrics MetricsSink

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option customizes a Registry.
type Option func(*Registry)

func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func WithMetrics(m MetricsSink) Option {
	return func(r *Registry) { r.metrics = m }
}

func NewRegistry(codec merge.Codec, bus broker.Broker, opts ...Option) *Registry {
	r := &Registry{
		codec:    codec,
		bus:      bus,
		log:      slog.Default(),
		metrics:  noopMetrics{},
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the existing session for the document or atomically
// creates an empty one. Under concurrent calls for the same unseen document
// exactly one creation wins and every caller observes that session.
func (r *Registry) GetOrCreate(documentID string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[documentID]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[documentID]; ok {
		return s
	}
	s = newSession(documentID, r.codec.New(), r.bus, r.log, r.metrics)
	r.sessions[documentID] = s
	r.metrics.IncCounter("collab_sessions_created", nil)
	r.log.Debug("session created", slog.String("doc_id", documentID))
	return s
}

// Remove destroys the session only if it has zero participants and its
// generation still matches expectedGeneration; otherwise it is a no-op.
// The generation check makes a reap that fires after a rejoin inert without
// any timer cancellation. Returns whether the session was removed.
func (r *Registry) Remove(ctx context.Context, documentID string, expectedGeneration uint64) bool {
	r.mu.Lock()
	s, ok := r.sessions[documentID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	// Lock order is registry then session; session operations never take
	// the registry lock.
	s.mu.Lock()
	if s.pres.Len() != 0 || s.generation != expectedGeneration {
		s.mu.Unlock()
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, documentID)
	s.mu.Unlock()
	r.mu.Unlock()

	if err := r.bus.Cleanup(ctx, documentID); err != nil {
		r.log.Warn("failed to clean up document stream", slog.String("doc_id", documentID), slog.String("err", err.Error()))
	}
	r.log.Debug("session removed", slog.String("doc_id", documentID))
	return true
}

// Lookup returns the live session for the document without creating one.
func (r *Registry) Lookup(documentID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[documentID]
	return s, ok
}

// Exists reports whether a live session is registered for the document.
func (r *Registry) Exists(documentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[documentID]
	return ok
}

// Len is the active session count, the coordinator's primary resource
// gauge: if reaping ever stalls this is the number that grows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Range calls fn for each live session until it returns false. The snapshot
// of sessions is taken up front so fn can perform session operations
// without holding the registry lock.
func (r *Registry) Range(fn func(documentID string, s *Session) bool) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		if !fn(s.id, s) {
			return
		}
	}
}
