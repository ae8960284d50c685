// Package mergetest provides a deterministic merge.Codec for tests: the
// state is a grow-only set of strings, so applying payloads in any order or
// multiplicity converges to the same set. Payloads and snapshots are JSON.
package mergetest

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/coedit/collab-server-go/merge"
)

// Op is the update payload shape.
type Op struct {
	Value string `json:"value"`
}

// Payload builds a well-formed update payload for the given value.
func Payload(value string) []byte {
	b, _ := json.Marshal(Op{Value: value})
	return b
}

type Codec struct{}

func (Codec) New() merge.State {
	return &State{members: make(map[string]struct{})}
}

func (Codec) Decode(snapshot []byte) (merge.State, error) {
	var values []string
	if err := json.Unmarshal(snapshot, &values); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	st := &State{members: make(map[string]struct{}, len(values))}
	for _, v := range values {
		st.members[v] = struct{}{}
	}
	return st, nil
}

// State is a grow-only string set.
type State struct {
	members map[string]struct{}
}

func (s *State) Apply(payload []byte) error {
	var op Op
	if err := json.Unmarshal(payload, &op); err != nil {
		return fmt.Errorf("%w: %v", merge.ErrBadPayload, err)
	}
	s.members[op.Value] = struct{}{}
	return nil
}

func (s *State) Encode() []byte {
	values := make([]string, 0, len(s.members))
	for v := range s.members {
		values = append(values, v)
	}
	sort.Strings(values)
	b, _ := json.Marshal(values)
	return b
}

// Values returns the members in sorted order, for assertions.
func (s *State) Values() []string {
	values := make([]string, 0, len(s.members))
	for v := range s.members {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}

var _ merge.Codec = Codec{}
var _ merge.State = (*State)(nil)
