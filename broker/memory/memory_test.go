package memory

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

func TestBroker_PublishSubscribe(t *testing.T) {
	b := New()
	ctx := context.Background()
	doc := "doc-basic"

	eventID1, err := b.Publish(ctx, doc, []byte(`{"type":"update","payload":"a"}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if eventID1 == "" {
		t.Fatal("expected non-empty event ID")
	}

	// Subscribing without a resume point starts at the next event.
	stream, err := b.Subscribe(ctx, doc, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stream.Close()

	data2 := []byte(`{"type":"update","payload":"b"}`)
	eventID2, err := b.Publish(ctx, doc, data2)
	if err != nil {
		t.Fatalf("publish second: %v", err)
	}

	env, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if env.ID != eventID2 {
		t.Fatalf("expected event %s, got %s", eventID2, env.ID)
	}
	if string(env.Data) != string(data2) {
		t.Fatalf("expected %s, got %s", data2, env.Data)
	}
}

func TestBroker_ResumeFromEventID(t *testing.T) {
	b := New()
	ctx := context.Background()
	doc := "doc-resume"

	id1, _ := b.Publish(ctx, doc, []byte("one"))
	id2, _ := b.Publish(ctx, doc, []byte("two"))
	id3, _ := b.Publish(ctx, doc, []byte("three"))

	stream, err := b.Subscribe(ctx, doc, id1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stream.Close()

	for _, want := range []string{id2, id3} {
		env, err := stream.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if env.ID != want {
			t.Fatalf("expected event %s, got %s", want, env.ID)
		}
	}

	id4, _ := b.Publish(ctx, doc, []byte("four"))
	env, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if env.ID != id4 {
		t.Fatalf("expected event %s, got %s", id4, env.ID)
	}
}

func TestBroker_DocumentIsolation(t *testing.T) {
	b := New()
	ctx := context.Background()

	stream1, err := b.Subscribe(ctx, "doc-one", "")
	if err != nil {
		t.Fatalf("subscribe doc-one: %v", err)
	}
	defer stream1.Close()

	stream2, err := b.Subscribe(ctx, "doc-two", "")
	if err != nil {
		t.Fatalf("subscribe doc-two: %v", err)
	}
	defer stream2.Close()

	id1, _ := b.Publish(ctx, "doc-one", []byte("for-one"))
	id2, _ := b.Publish(ctx, "doc-two", []byte("for-two"))

	env, err := stream1.Next(ctx)
	if err != nil {
		t.Fatalf("next stream1: %v", err)
	}
	if env.ID != id1 {
		t.Fatalf("expected %s on stream1, got %s", id1, env.ID)
	}

	env, err = stream2.Next(ctx)
	if err != nil {
		t.Fatalf("next stream2: %v", err)
	}
	if env.ID != id2 {
		t.Fatalf("expected %s on stream2, got %s", id2, env.ID)
	}
}

func TestBroker_Cleanup(t *testing.T) {
	b := New()
	ctx := context.Background()
	doc := "doc-cleanup"

	if _, err := b.Publish(ctx, doc, []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	stream, err := b.Subscribe(ctx, doc, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Cleanup(ctx, doc); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if _, err := stream.Next(ctx); err != io.EOF {
		t.Fatalf("expected io.EOF after cleanup, got %v", err)
	}
	// Closing an already-cleaned stream is safe.
	if err := stream.Close(); err != nil {
		t.Fatalf("close after cleanup: %v", err)
	}

	// The document springs back to life on the next publish/subscribe,
	// matching a session re-created after a reap.
	if _, err := b.Publish(ctx, doc, []byte("y")); err != nil {
		t.Fatalf("publish after cleanup: %v", err)
	}
	fresh, err := b.Subscribe(ctx, doc, "")
	if err != nil {
		t.Fatalf("subscribe after cleanup: %v", err)
	}
	fresh.Close()
}

func TestBroker_ConcurrentSubscribers(t *testing.T) {
	b := New()
	ctx := context.Background()
	doc := "doc-concurrent"

	const numSubscribers = 8
	const numEvents = 100

	var wg sync.WaitGroup
	received := make([]int, numSubscribers)

	for i := 0; i < numSubscribers; i++ {
		stream, err := b.Subscribe(ctx, doc, "")
		if err != nil {
			t.Fatalf("subscriber %d subscribe: %v", i, err)
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer stream.Close()

			readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			for received[i] < numEvents {
				if _, err := stream.Next(readCtx); err != nil {
					if err != context.DeadlineExceeded {
						t.Errorf("subscriber %d read: %v", i, err)
					}
					return
				}
				received[i]++
			}
		}(i)
	}

	for i := 0; i < numEvents; i++ {
		if _, err := b.Publish(ctx, doc, []byte{byte('0' + i%10)}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	wg.Wait()

	for i, count := range received {
		if count != numEvents {
			t.Errorf("subscriber %d received %d events, expected %d", i, count, numEvents)
		}
	}
}

func TestBroker_RetainedHistoryIsBounded(t *testing.T) {
	b := NewWithMaxEvents(100)
	ctx := context.Background()
	doc := "doc-retention"

	stream, err := b.Subscribe(ctx, doc, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// A healthy subscriber drains continuously; retention must still be
	// bounded, since the history only exists to serve resume.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := stream.Next(ctx); err != nil {
				return
			}
		}
	}()

	const events = 5000
	for i := 0; i < events; i++ {
		if _, err := b.Publish(ctx, doc, []byte("cursor")); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	b.mu.RLock()
	q := b.documents[doc]
	b.mu.RUnlock()
	q.mu.RLock()
	retained := len(q.events)
	q.mu.RUnlock()
	if retained >= 200 {
		t.Fatalf("retained %d envelopes after %d publishes; history must stay near the 100-event cap", retained, events)
	}

	stream.Close()
	<-done
}

func TestBroker_ResumeAcrossDeepBacklog(t *testing.T) {
	b := New()
	ctx := context.Background()
	doc := "doc-deep-resume"

	first, err := b.Publish(ctx, doc, []byte("start"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	// A backlog several times deeper than the subscriber buffer.
	const backlog = subscriberBuffer * 3
	ids := make([]string, backlog)
	for i := range ids {
		id, err := b.Publish(ctx, doc, []byte{byte('0' + i%10)})
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		ids[i] = id
	}

	stream, err := b.Subscribe(ctx, doc, first)
	if err != nil {
		t.Fatalf("subscribe with resume: %v", err)
	}
	defer stream.Close()

	// Publishing right after the resume must not block on the replaying
	// subscriber.
	after, err := b.Publish(ctx, doc, []byte("after"))
	if err != nil {
		t.Fatalf("publish after resume: %v", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for i := 0; i < backlog; i++ {
		env, err := stream.Next(readCtx)
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if env.ID != ids[i] {
			t.Fatalf("replay out of order at %d: expected %s, got %s", i, ids[i], env.ID)
		}
	}
	env, err := stream.Next(readCtx)
	if err != nil {
		t.Fatalf("next after replay: %v", err)
	}
	if env.ID != after {
		t.Fatalf("expected the post-resume event %s after the replay, got %s", after, env.ID)
	}
}

func TestBroker_StreamClose(t *testing.T) {
	b := New()
	ctx := context.Background()

	stream, err := b.Subscribe(ctx, "doc-close", "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := stream.Next(ctx); err != io.EOF {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
