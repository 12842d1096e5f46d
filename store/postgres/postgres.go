// Package postgres implements caravan.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	caravan "github.com/nevindra/caravan"
)

// Store implements caravan.Store backed by PostgreSQL. Structured
// fields (content, attributes, config, errors) are stored as JSONB.
type Store struct {
	pool *pgxpool.Pool
}

var _ caravan.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			attributes JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content JSONB,
			attributes JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages(thread_id, id)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			agent_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL DEFAULT 0,
			completed_at BIGINT NOT NULL DEFAULT 0,
			expires_at BIGINT NOT NULL DEFAULT 0,
			last_error JSONB,
			config JSONB,
			attributes JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS runs_thread_idx ON runs(thread_id)`,
		`CREATE INDEX IF NOT EXISTS runs_status_idx ON runs(status)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// --- Threads ---

func (s *Store) CreateThread(ctx context.Context, thread *caravan.Thread) error {
	if thread.ID == "" {
		thread.ID = caravan.NewID()
	}
	now := caravan.NowUnix()
	if thread.CreatedAt == 0 {
		thread.CreatedAt = now
	}
	if thread.UpdatedAt == 0 {
		thread.UpdatedAt = now
	}

	attrs, err := mapToJSON(thread.Attributes)
	if err != nil {
		return fmt.Errorf("postgres: encode thread attributes: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO threads (id, owner_id, title, summary, attributes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		thread.ID, thread.OwnerID, thread.Title, thread.Summary, attrs, thread.CreatedAt, thread.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("thread %s: already exists", thread.ID)
		}
		return fmt.Errorf("postgres: create thread: %w", err)
	}
	return nil
}

func (s *Store) GetThread(ctx context.Context, id string) (*caravan.Thread, error) {
	var t caravan.Thread
	var attrs []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, title, summary, attributes, created_at, updated_at
		 FROM threads WHERE id = $1`, id,
	).Scan(&t.ID, &t.OwnerID, &t.Title, &t.Summary, &attrs, &t.CreatedAt, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("thread %s: %w", id, caravan.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get thread: %w", err)
	}
	if len(attrs) > 0 {
		_ = json.Unmarshal(attrs, &t.Attributes)
	}
	return &t, nil
}

func (s *Store) UpdateThread(ctx context.Context, id string, update caravan.ThreadUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var title, summary string
	var attrs []byte
	err = tx.QueryRow(ctx,
		`SELECT title, summary, attributes FROM threads WHERE id = $1 FOR UPDATE`, id,
	).Scan(&title, &summary, &attrs)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("thread %s: %w", id, caravan.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres: update thread: %w", err)
	}

	if update.Title != nil {
		title = *update.Title
	}
	if update.Summary != nil {
		summary = *update.Summary
	}
	if update.Attributes != nil {
		attrs, err = mapToJSON(update.Attributes)
		if err != nil {
			return fmt.Errorf("postgres: encode thread attributes: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE threads SET title = $1, summary = $2, attributes = $3, updated_at = $4 WHERE id = $5`,
		title, summary, attrs, caravan.NowUnix(), id,
	)
	if err != nil {
		return fmt.Errorf("postgres: update thread: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `DELETE FROM threads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("thread %s: %w", id, caravan.ErrNotFound)
	}
	// Thread owns its messages.
	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE thread_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete thread messages: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) ListThreads(ctx context.Context, filter caravan.ThreadFilter) ([]*caravan.Thread, error) {
	q := `SELECT id, owner_id, title, summary, attributes, created_at, updated_at FROM threads`
	var args []any
	if filter.OwnerID != "" {
		q += ` WHERE owner_id = $1`
		args = append(args, filter.OwnerID)
	}
	q += ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		q += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list threads: %w", err)
	}
	defer rows.Close()

	var out []*caravan.Thread
	for rows.Next() {
		var t caravan.Thread
		var attrs []byte
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Summary, &attrs, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan thread: %w", err)
		}
		if len(attrs) > 0 {
			_ = json.Unmarshal(attrs, &t.Attributes)
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate threads: %w", err)
	}
	return out, nil
}

// --- Messages ---

func (s *Store) AddMessage(ctx context.Context, msg *caravan.Message) error {
	if msg.ThreadID == "" {
		return fmt.Errorf("message: thread id required")
	}
	if msg.ID == "" {
		msg.ID = caravan.NewID()
	}
	now := caravan.NowUnix()
	if msg.CreatedAt == 0 {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt == 0 {
		msg.UpdatedAt = now
	}

	content, err := contentToJSON(msg.Content)
	if err != nil {
		return fmt.Errorf("postgres: encode message content: %w", err)
	}
	attrs, err := messageAttrsToJSON(msg.Attributes)
	if err != nil {
		return fmt.Errorf("postgres: encode message attributes: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Adding a message bumps the owning thread, which doubles as the
	// existence check.
	tag, err := tx.Exec(ctx, `UPDATE threads SET updated_at = $1 WHERE id = $2`, now, msg.ThreadID)
	if err != nil {
		return fmt.Errorf("postgres: touch thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("thread %s: %w", msg.ThreadID, caravan.ErrNotFound)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, thread_id, role, content, attributes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ThreadID, string(msg.Role), content, attrs, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: add message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) GetMessages(ctx context.Context, threadID string, query caravan.MessageQuery) ([]*caravan.Message, error) {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM threads WHERE id = $1`, threadID).Scan(&one)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("thread %s: %w", threadID, caravan.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get messages: %w", err)
	}

	q := `SELECT id, thread_id, role, content, attributes, created_at, updated_at
	      FROM messages WHERE thread_id = $1`
	args := []any{threadID}
	// Ids are time-ordered, so cursor comparison is chronological.
	if query.After != "" {
		args = append(args, query.After)
		q += fmt.Sprintf(` AND id > $%d`, len(args))
	}
	if query.Before != "" {
		args = append(args, query.Before)
		q += fmt.Sprintf(` AND id < $%d`, len(args))
	}
	if query.Order == caravan.OrderDesc {
		q += ` ORDER BY id DESC`
	} else {
		q += ` ORDER BY id ASC`
	}
	if query.Limit > 0 {
		args = append(args, query.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: get messages: %w", err)
	}
	defer rows.Close()

	var out []*caravan.Message
	for rows.Next() {
		var m caravan.Message
		var content, attrs []byte
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &content, &attrs, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if len(content) > 0 {
			if err := json.Unmarshal(content, &m.Content); err != nil {
				return nil, fmt.Errorf("postgres: decode message content: %w", err)
			}
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &m.Attributes); err != nil {
				return nil, fmt.Errorf("postgres: decode message attributes: %w", err)
			}
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateMessage(ctx context.Context, msg *caravan.Message) error {
	content, err := contentToJSON(msg.Content)
	if err != nil {
		return fmt.Errorf("postgres: encode message content: %w", err)
	}
	attrs, err := messageAttrsToJSON(msg.Attributes)
	if err != nil {
		return fmt.Errorf("postgres: encode message attributes: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET role = $1, content = $2, attributes = $3, updated_at = $4
		 WHERE id = $5 AND thread_id = $6`,
		string(msg.Role), content, attrs, caravan.NowUnix(), msg.ID, msg.ThreadID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", msg.ID, caravan.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, threadID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE thread_id = $1 AND id = $2`, threadID, id)
	if err != nil {
		return fmt.Errorf("postgres: delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", id, caravan.ErrNotFound)
	}
	return nil
}

// --- Runs ---

const runColumns = `id, thread_id, agent_type, status, created_at, started_at, completed_at, expires_at, last_error, config, attributes`

func (s *Store) CreateRun(ctx context.Context, run *caravan.AgentRun) error {
	if run.ID == "" {
		run.ID = caravan.NewID()
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = caravan.NowUnix()
	}

	lastErr, config, attrs, err := encodeRunFields(run)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.ThreadID, run.AgentType, string(run.Status),
		run.CreatedAt, run.StartedAt, run.CompletedAt, run.ExpiresAt,
		lastErr, config, attrs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %s: already exists", run.ID)
		}
		return fmt.Errorf("postgres: create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*caravan.AgentRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, caravan.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get run: %w", err)
	}
	return run, nil
}

// UpdateRunStatus applies the status transition rules: started_at is
// stamped on the first transition to in_progress, completed_at on the
// first terminal transition, and a nil lastErr clears the stored error
// only when the run completed.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status caravan.RunStatus, lastErr *caravan.RunError) (*caravan.AgentRun, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, id)
	run, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, caravan.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: update run status: %w", err)
	}

	now := caravan.NowUnix()
	run.Status = status
	if status == caravan.RunInProgress && run.StartedAt == 0 {
		run.StartedAt = now
	}
	if status.Terminal() && run.CompletedAt == 0 {
		run.CompletedAt = now
	}
	if lastErr != nil {
		run.LastError = lastErr
	} else if status == caravan.RunCompleted {
		run.LastError = nil
	}

	errJSON, err := runErrorToJSON(run.LastError)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE runs SET status = $1, started_at = $2, completed_at = $3, last_error = $4 WHERE id = $5`,
		string(run.Status), run.StartedAt, run.CompletedAt, errJSON, id,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: update run status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, filter caravan.RunFilter) ([]*caravan.AgentRun, error) {
	q := `SELECT ` + runColumns + ` FROM runs`
	var conds []string
	var args []any
	if filter.ThreadID != "" {
		args = append(args, filter.ThreadID)
		conds = append(conds, fmt.Sprintf(`thread_id = $%d`, len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		conds = append(conds, fmt.Sprintf(`status = ANY($%d)`, len(args)))
	}
	if filter.ExpiresBefore > 0 {
		args = append(args, filter.ExpiresBefore)
		conds = append(conds, fmt.Sprintf(`expires_at > 0 AND expires_at < $%d`, len(args)))
	}
	if filter.StartedBefore > 0 {
		args = append(args, filter.StartedBefore)
		conds = append(conds, fmt.Sprintf(`started_at > 0 AND started_at < $%d`, len(args)))
	}
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	q += ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var out []*caravan.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate runs: %w", err)
	}
	return out, nil
}

// --- Encoding helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*caravan.AgentRun, error) {
	var run caravan.AgentRun
	var lastErr, config, attrs []byte
	err := row.Scan(&run.ID, &run.ThreadID, &run.AgentType, &run.Status,
		&run.CreatedAt, &run.StartedAt, &run.CompletedAt, &run.ExpiresAt,
		&lastErr, &config, &attrs)
	if err != nil {
		return nil, err
	}
	if len(lastErr) > 0 {
		run.LastError = &caravan.RunError{}
		if err := json.Unmarshal(lastErr, run.LastError); err != nil {
			return nil, fmt.Errorf("decode last_error: %w", err)
		}
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &run.Config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if len(attrs) > 0 {
		_ = json.Unmarshal(attrs, &run.Attributes)
	}
	return &run, nil
}

func encodeRunFields(run *caravan.AgentRun) (lastErr, config, attrs []byte, err error) {
	lastErr, err = runErrorToJSON(run.LastError)
	if err != nil {
		return nil, nil, nil, err
	}
	config, err = json.Marshal(run.Config)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres: encode run config: %w", err)
	}
	attrs, err = mapToJSON(run.Attributes)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres: encode run attributes: %w", err)
	}
	return lastErr, config, attrs, nil
}

func runErrorToJSON(re *caravan.RunError) ([]byte, error) {
	if re == nil {
		return nil, nil
	}
	data, err := json.Marshal(re)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode run error: %w", err)
	}
	return data, nil
}

func mapToJSON(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// contentToJSON serializes message content, mapping empty content to
// NULL so tool-call-only assistant messages round-trip.
func contentToJSON(c caravan.Content) ([]byte, error) {
	if c.Empty() {
		return nil, nil
	}
	return json.Marshal(c)
}

func messageAttrsToJSON(a caravan.MessageAttributes) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	if string(data) == "{}" {
		return nil, nil
	}
	return data, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
