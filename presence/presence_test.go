package presence

import "testing"

func TestTracker_AddRemove(t *testing.T) {
	tr := NewTracker()

	tr.Add("c1", Identity{Name: "Ada", Color: "#ff0000"})
	tr.Add("c2", Identity{Name: "Grace"})

	if tr.Len() != 2 {
		t.Fatalf("expected 2 participants, got %d", tr.Len())
	}

	p, ok := tr.Get("c1")
	if !ok {
		t.Fatal("expected c1 to be present")
	}
	if p.Identity.Name != "Ada" {
		t.Fatalf("expected name Ada, got %q", p.Identity.Name)
	}
	if p.Cursor != nil {
		t.Fatal("expected neutral cursor for a fresh participant")
	}
	if p.IsTyping {
		t.Fatal("expected typing to default to false")
	}

	if !tr.Remove("c1") {
		t.Fatal("expected Remove to report c1 present")
	}
	if tr.Remove("c1") {
		t.Fatal("expected second Remove to report c1 absent")
	}
	if tr.Len() != 1 {
		t.Fatalf("expected 1 participant after removal, got %d", tr.Len())
	}
}

func TestTracker_CursorAndTyping(t *testing.T) {
	tr := NewTracker()
	tr.Add("c1", Identity{Name: "Ada"})

	tr.SetCursor("c1", Cursor{Position: 10, Selection: &Selection{Start: 5, End: 10}})
	tr.SetTyping("c1", true)

	p, _ := tr.Get("c1")
	if p.Cursor == nil || p.Cursor.Position != 10 {
		t.Fatalf("expected cursor at 10, got %+v", p.Cursor)
	}
	if p.Cursor.Selection == nil || p.Cursor.Selection.Start != 5 {
		t.Fatalf("expected selection start 5, got %+v", p.Cursor.Selection)
	}
	if !p.IsTyping {
		t.Fatal("expected typing flag set")
	}

	// Cursor updates overwrite; no history is retained.
	tr.SetCursor("c1", Cursor{Position: 3})
	p, _ = tr.Get("c1")
	if p.Cursor.Position != 3 || p.Cursor.Selection != nil {
		t.Fatalf("expected cursor overwritten to 3 with no selection, got %+v", p.Cursor)
	}

	// Events for unknown connections are ignored, not errors.
	tr.SetCursor("ghost", Cursor{Position: 1})
	tr.SetTyping("ghost", true)
	if tr.Len() != 1 {
		t.Fatalf("expected unknown-connection events to be ignored, got %d participants", tr.Len())
	}
}

func TestTracker_ListReturnsCopies(t *testing.T) {
	tr := NewTracker()
	tr.Add("c1", Identity{Name: "Ada"})
	tr.SetCursor("c1", Cursor{Position: 7})

	list := tr.List()
	if len(list) != 1 {
		t.Fatalf("expected 1 participant, got %d", len(list))
	}
	list[0].Cursor.Position = 99

	p, _ := tr.Get("c1")
	if p.Cursor.Position != 7 {
		t.Fatalf("mutating the listed copy leaked into the tracker: %d", p.Cursor.Position)
	}
}
