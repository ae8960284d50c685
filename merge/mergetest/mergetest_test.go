package mergetest

import (
	"bytes"
	"errors"
	"testing"

	"github.com/coedit/collab-server-go/merge"
)

func TestCodec_ConvergesUnderReordering(t *testing.T) {
	payloads := [][]byte{Payload("a"), Payload("b"), Payload("c")}

	forward := Codec{}.New()
	for _, p := range payloads {
		if err := forward.Apply(p); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	backward := Codec{}.New()
	for i := len(payloads) - 1; i >= 0; i-- {
		if err := backward.Apply(payloads[i]); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	// Idempotence: a duplicate apply changes nothing.
	if err := backward.Apply(payloads[0]); err != nil {
		t.Fatalf("apply duplicate: %v", err)
	}

	if !bytes.Equal(forward.Encode(), backward.Encode()) {
		t.Fatalf("states diverged: %s vs %s", forward.Encode(), backward.Encode())
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	st := Codec{}.New()
	if err := st.Apply(Payload("x")); err != nil {
		t.Fatalf("apply: %v", err)
	}

	revived, err := Codec{}.Decode(st.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(revived.Encode(), st.Encode()) {
		t.Fatalf("round trip diverged: %s vs %s", revived.Encode(), st.Encode())
	}
}

func TestState_BadPayload(t *testing.T) {
	st := Codec{}.New()
	if err := st.Apply([]byte("{not json")); !errors.Is(err, merge.ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload, got %v", err)
	}
	if got := st.(*State).Values(); len(got) != 0 {
		t.Fatalf("bad payload mutated state: %v", got)
	}
}
