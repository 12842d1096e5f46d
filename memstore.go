package caravan

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store. It backs tests, the isolated
// sub-world of a delegation, and single-process deployments that do not
// need durability. All methods are safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*Thread
	messages map[string][]*Message // thread id → insertion order
	runs     map[string]*AgentRun
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]*Thread),
		messages: make(map[string][]*Message),
		runs:     make(map[string]*AgentRun),
	}
}

func (s *MemoryStore) CreateThread(ctx context.Context, thread *Thread) error {
	if thread.ID == "" {
		thread.ID = NewID()
	}
	now := NowUnix()
	if thread.CreatedAt == 0 {
		thread.CreatedAt = now
	}
	if thread.UpdatedAt == 0 {
		thread.UpdatedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[thread.ID]; ok {
		return fmt.Errorf("thread %s: already exists", thread.ID)
	}
	s.threads[thread.ID] = cloneThread(thread)
	return nil
}

func (s *MemoryStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return cloneThread(thread), nil
}

func (s *MemoryStore) UpdateThread(ctx context.Context, id string, update ThreadUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[id]
	if !ok {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	if update.Title != nil {
		thread.Title = *update.Title
	}
	if update.Summary != nil {
		thread.Summary = *update.Summary
	}
	if update.Attributes != nil {
		thread.Attributes = maps.Clone(update.Attributes)
	}
	thread.UpdatedAt = NowUnix()
	return nil
}

func (s *MemoryStore) DeleteThread(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	delete(s.threads, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Thread
	for _, thread := range s.threads {
		if filter.OwnerID != "" && thread.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, cloneThread(thread))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) AddMessage(ctx context.Context, msg *Message) error {
	if msg.ThreadID == "" {
		return fmt.Errorf("message: thread id required")
	}
	if msg.ID == "" {
		msg.ID = NewID()
	}
	now := NowUnix()
	if msg.CreatedAt == 0 {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt == 0 {
		msg.UpdatedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[msg.ThreadID]
	if !ok {
		return fmt.Errorf("thread %s: %w", msg.ThreadID, ErrNotFound)
	}
	s.messages[msg.ThreadID] = append(s.messages[msg.ThreadID], cloneMessage(msg))
	thread.UpdatedAt = now
	return nil
}

func (s *MemoryStore) GetMessages(ctx context.Context, threadID string, q MessageQuery) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.threads[threadID]; !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}

	var out []*Message
	for _, msg := range s.messages[threadID] {
		// Ids are time-ordered, so cursor comparison is chronological.
		if q.After != "" && msg.ID <= q.After {
			continue
		}
		if q.Before != "" && msg.ID >= q.Before {
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	if q.Order == OrderDesc {
		slices.Reverse(out)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.messages[msg.ThreadID]
	for i, m := range stored {
		if m.ID == msg.ID {
			updated := cloneMessage(msg)
			updated.CreatedAt = m.CreatedAt
			updated.UpdatedAt = NowUnix()
			stored[i] = updated
			return nil
		}
	}
	return fmt.Errorf("message %s: %w", msg.ID, ErrNotFound)
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, threadID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.messages[threadID]
	for i, m := range stored {
		if m.ID == id {
			s.messages[threadID] = append(stored[:i:i], stored[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("message %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *AgentRun) error {
	if run.ID == "" {
		run.ID = NewID()
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = NowUnix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s: already exists", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus, lastErr *RunError) (*AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	now := NowUnix()
	run.Status = status
	if status == RunInProgress && run.StartedAt == 0 {
		run.StartedAt = now
	}
	if status.Terminal() && run.CompletedAt == 0 {
		run.CompletedAt = now
	}
	if lastErr != nil {
		run.LastError = lastErr
	} else if status == RunCompleted {
		run.LastError = nil
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AgentRun
	for _, run := range s.runs {
		if filter.ThreadID != "" && run.ThreadID != filter.ThreadID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, run.Status) {
			continue
		}
		if filter.ExpiresBefore > 0 && (run.ExpiresAt == 0 || run.ExpiresAt >= filter.ExpiresBefore) {
			continue
		}
		if filter.StartedBefore > 0 && (run.StartedAt == 0 || run.StartedAt >= filter.StartedBefore) {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func cloneThread(t *Thread) *Thread {
	out := *t
	out.Attributes = maps.Clone(t.Attributes)
	return &out
}

func cloneMessage(m *Message) *Message {
	out := *m
	out.Content.Parts = slices.Clone(m.Content.Parts)
	out.Attributes.ToolCalls = slices.Clone(m.Attributes.ToolCalls)
	return &out
}

func cloneRun(r *AgentRun) *AgentRun {
	out := *r
	out.Attributes = maps.Clone(r.Attributes)
	if r.LastError != nil {
		errCopy := *r.LastError
		errCopy.Details = maps.Clone(r.LastError.Details)
		out.LastError = &errCopy
	}
	out.Config.RequestAuthOverrides = maps.Clone(r.Config.RequestAuthOverrides)
	return &out
}

var _ Store = (*MemoryStore)(nil)
