// Package sessions holds the live, in-memory collaborative state of
// documents that are currently being edited: one Session per document, a
// Registry owning session lifetimes, and a Reaper that reclaims sessions
// nobody has rejoined within the grace window.
//
// Each Session is the unit of mutual exclusion: all mutating operations on
// one document are serialized by the session's mutex, while different
// documents proceed fully in parallel. Event publication happens inside
// that critical section against a non-blocking broker, so broadcast order
// matches apply order without a slow recipient ever holding the lock.
package sessions
