package caravan

import (
	"context"
	"testing"
	"time"
)

func TestChannelSinkDelivers(t *testing.T) {
	sink := NewChannelSink(4)
	ev := NewEvent(EventRunCreated, "run-1", "thread-1", map[string]any{"model": "m"})
	if err := sink.Send(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	sink.Close()

	var got []Event
	for ev := range sink.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Type != EventRunCreated || got[0].RunID != "run-1" {
		t.Errorf("received %+v", got)
	}
	if got[0].Timestamp == 0 {
		t.Error("NewEvent did not stamp a timestamp")
	}
}

func TestChannelSinkBackpressure(t *testing.T) {
	sink := NewChannelSink(1)
	ctx := context.Background()
	if err := sink.Send(ctx, Event{Type: EventMessageDelta}); err != nil {
		t.Fatal(err)
	}

	// Buffer is full and nobody is reading; Send must block until ctx ends.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := sink.Send(short, Event{Type: EventMessageDelta})
	if err != context.DeadlineExceeded {
		t.Fatalf("Send on full sink = %v, want deadline exceeded", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Send returned before the context expired")
	}
}

func TestChannelSinkDetach(t *testing.T) {
	sink := NewChannelSink(1)
	ctx := context.Background()
	if err := sink.Send(ctx, Event{Type: EventMessageDelta}); err != nil {
		t.Fatal(err)
	}

	sink.Detach()
	sink.Detach() // idempotent

	// The buffer is still full, but a detached sink drops instead of blocking.
	done := make(chan error, 1)
	go func() { done <- sink.Send(ctx, Event{Type: EventMessageDelta}) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send after Detach = %v, want dropped nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send blocked after Detach")
	}
}

func TestChannelSinkClose(t *testing.T) {
	sink := NewChannelSink(4)
	sink.Close()
	if _, ok := <-sink.Events(); ok {
		t.Error("Events still open after Close")
	}
}

func TestChannelSinkDefaultBuffer(t *testing.T) {
	sink := NewChannelSink(0)
	ctx := context.Background()
	for i := 0; i < 64; i++ {
		if err := sink.Send(ctx, Event{Type: EventMessageDelta}); err != nil {
			t.Fatalf("Send %d on default buffer: %v", i, err)
		}
	}
}

func TestNopSink(t *testing.T) {
	if err := (NopSink{}).Send(context.Background(), Event{Type: EventRunFailed}); err != nil {
		t.Errorf("NopSink.Send = %v", err)
	}
}
