// Package automergedoc implements the merge.Codec contract on top of
// Automerge documents. Update payloads are serialized Automerge documents;
// applying one merges it into the session's document, which Automerge
// guarantees is convergent under reordering and duplication.
package automergedoc

import (
	"fmt"

	"github.com/automerge/automerge-go"

	"github.com/coedit/collab-server-go/merge"
)

type Codec struct{}

func New() Codec { return Codec{} }

func (Codec) New() merge.State {
	return &State{doc: automerge.New()}
}

func (Codec) Decode(snapshot []byte) (merge.State, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("load automerge snapshot: %w", err)
	}
	return &State{doc: doc}, nil
}

// State wraps a single Automerge document. Not safe for concurrent use.
type State struct {
	doc *automerge.Doc
}

func (s *State) Apply(payload []byte) error {
	other, err := automerge.Load(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", merge.ErrBadPayload, err)
	}
	if _, err := s.doc.Merge(other); err != nil {
		return fmt.Errorf("%w: %v", merge.ErrBadPayload, err)
	}
	return nil
}

func (s *State) Encode() []byte {
	return s.doc.Save()
}

// Doc exposes the underlying document for callers that want to inspect or
// mutate it directly (e.g. seeding content in tests).
func (s *State) Doc() *automerge.Doc { return s.doc }

var _ merge.Codec = Codec{}
var _ merge.State = (*State)(nil)
