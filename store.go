package caravan

import (
	"context"
	"errors"
)

// ErrNotFound reports a missing thread, message, or run. Stores wrap it
// with the id that missed so errors.Is works on the result.
var ErrNotFound = errors.New("not found")

// Sort orders for message queries.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// ThreadUpdate carries the mutable thread fields. Nil pointers leave the
// stored value untouched.
type ThreadUpdate struct {
	Title      *string
	Summary    *string
	Attributes map[string]any
}

// ThreadFilter narrows a thread listing.
type ThreadFilter struct {
	OwnerID string
	Limit   int
	Offset  int
}

// ThreadStore persists threads.
type ThreadStore interface {
	CreateThread(ctx context.Context, thread *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	UpdateThread(ctx context.Context, id string, update ThreadUpdate) error
	// DeleteThread removes the thread and cascades to its messages.
	DeleteThread(ctx context.Context, id string) error
	ListThreads(ctx context.Context, filter ThreadFilter) ([]*Thread, error)
}

// MessageQuery narrows a message read. Before and After are exclusive
// message-id cursors; ids are time-ordered (UUIDv7), so id comparison is
// chronological comparison. The default order is ascending by creation.
type MessageQuery struct {
	Limit  int
	Before string
	After  string
	Order  string
}

// MessageStore persists messages. Messages are append-only; UpdateMessage
// exists solely for the streaming assembly of an assistant message.
type MessageStore interface {
	AddMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, threadID string, q MessageQuery) ([]*Message, error)
	UpdateMessage(ctx context.Context, msg *Message) error
	DeleteMessage(ctx context.Context, threadID, id string) error
}

// RunFilter narrows a run listing. Zero fields match everything.
type RunFilter struct {
	ThreadID      string
	Statuses      []RunStatus
	ExpiresBefore int64 // unix seconds; matches runs with 0 < expires_at < this
	StartedBefore int64 // unix seconds; matches runs with 0 < started_at < this
	Limit         int
}

// RunStore persists run records. UpdateRunStatus stamps started_at on the
// first transition to in_progress and completed_at on the first
// transition to a terminal state. A nil lastErr leaves the stored error
// untouched, except on completed, which clears it.
type RunStore interface {
	CreateRun(ctx context.Context, run *AgentRun) error
	GetRun(ctx context.Context, id string) (*AgentRun, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, lastErr *RunError) (*AgentRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*AgentRun, error)
}

// Store bundles the three persistence interfaces for backends that
// implement all of them in one handle.
type Store interface {
	ThreadStore
	MessageStore
	RunStore
}
