package caravan

import (
	"context"
	"sync"
)

// EventType names one kind of run event. The set is closed; consumers
// may rely on never seeing a type outside it.
type EventType string

const (
	EventRunCreated             EventType = "agent.run.created"
	EventRunStepCreated         EventType = "agent.run.step.created"
	EventMessageCreated         EventType = "thread.message.created"
	EventMessageDelta           EventType = "thread.message.delta"
	EventMessageCompleted       EventType = "thread.message.completed"
	EventToolCallCreated        EventType = "thread.run.step.tool_call.created"
	EventToolCallCompletedByLLM EventType = "thread.run.step.tool_call.completed_by_llm"
	EventToolExecutionStarted   EventType = "agent.tool.execution.started"
	EventToolExecutionCompleted EventType = "agent.tool.execution.completed"
	EventRunRequiresAction      EventType = "thread.run.requires_action"
	EventRunStatusChanged       EventType = "agent.run.status.changed"
	EventRunFailed              EventType = "thread.run.failed"
	EventRunCompleted           EventType = "thread.run.completed"
	EventSubAgentStarted        EventType = "agent.sub_agent.invocation.started"
	EventSubAgentCompleted      EventType = "agent.sub_agent.invocation.completed"
)

// Event is the envelope emitted for every observable step of a run.
// Within one run, events are totally ordered by emission.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	RunID     string         `json:"run_id"`
	ThreadID  string         `json:"thread_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an envelope with the current time.
func NewEvent(t EventType, runID, threadID string, data map[string]any) Event {
	return Event{
		Type:      t,
		Timestamp: NowUnix(),
		RunID:     runID,
		ThreadID:  threadID,
		Data:      data,
	}
}

// EventSink consumes a run's event stream. Send blocks until the event
// is accepted or ctx is done; emission is non-dropping, so a slow
// consumer throttles the run.
type EventSink interface {
	Send(ctx context.Context, ev Event) error
}

// ChannelSink delivers events to a Go channel. The producer side calls
// Close when the run ends; a consumer that stops reading calls Detach so
// later sends become no-ops instead of blocking the run forever.
type ChannelSink struct {
	ch       chan Event
	detached chan struct{}
	once     sync.Once
}

// NewChannelSink returns a sink buffered to size. A small buffer absorbs
// bursts; once full, Send blocks, which is the intended backpressure.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 64
	}
	return &ChannelSink{
		ch:       make(chan Event, size),
		detached: make(chan struct{}),
	}
}

// Events returns the receive side of the sink. The channel closes when
// the producer calls Close.
func (s *ChannelSink) Events() <-chan Event { return s.ch }

// Send delivers ev, blocking until the consumer accepts it, the consumer
// detaches, or ctx is done. Sends after Detach are silently dropped so a
// gone consumer does not stall the run.
func (s *ChannelSink) Send(ctx context.Context, ev Event) error {
	select {
	case <-s.detached:
		return nil
	default:
	}
	select {
	case s.ch <- ev:
		return nil
	case <-s.detached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream. Only the producing side may call it, after the
// last Send has returned.
func (s *ChannelSink) Close() { close(s.ch) }

// Detach tells the sink its consumer is gone. Safe to call more than
// once and concurrently with Send.
func (s *ChannelSink) Detach() {
	s.once.Do(func() { close(s.detached) })
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Send(context.Context, Event) error { return nil }

var (
	_ EventSink = (*ChannelSink)(nil)
	_ EventSink = NopSink{}
)
