// Package sqlite implements caravan.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	caravan "github.com/nevindra/caravan"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

var nopLogger = slog.New(slog.DiscardHandler)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the
// store emits debug logs for every operation including timing and key
// parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store implements caravan.Store backed by a local SQLite file.
// Threads, messages, and runs live in three tables; structured fields
// (content, attributes, config, errors) are stored as JSON text.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ caravan.Store = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with
		// the blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			owner_id TEXT,
			title TEXT,
			summary TEXT,
			attributes TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT,
			attributes TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			agent_type TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			started_at INTEGER NOT NULL DEFAULT 0,
			completed_at INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			config TEXT,
			attributes TEXT
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// --- Threads ---

func (s *Store) CreateThread(ctx context.Context, thread *caravan.Thread) error {
	start := time.Now()
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
	s.logger.Debug("sqlite: create thread", "id", thread.ID, "owner_id", thread.OwnerID)

	attrs, err := mapToText(thread.Attributes)
	if err != nil {
		return fmt.Errorf("encode thread attributes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (id, owner_id, title, summary, attributes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		thread.ID, thread.OwnerID, thread.Title, thread.Summary, attrs, thread.CreatedAt, thread.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("thread %s: already exists", thread.ID)
		}
		s.logger.Error("sqlite: create thread failed", "id", thread.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create thread: %w", err)
	}
	s.logger.Debug("sqlite: create thread ok", "id", thread.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetThread(ctx context.Context, id string) (*caravan.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, summary, attributes, created_at, updated_at
		 FROM threads WHERE id = ?`, id)

	var t caravan.Thread
	var attrs sql.NullString
	err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Summary, &attrs, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("thread %s: %w", id, caravan.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	if attrs.Valid {
		_ = json.Unmarshal([]byte(attrs.String), &t.Attributes)
	}
	return &t, nil
}

func (s *Store) UpdateThread(ctx context.Context, id string, update caravan.ThreadUpdate) error {
	start := time.Now()
	s.logger.Debug("sqlite: update thread", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var title, summary string
	var attrs sql.NullString
	row := tx.QueryRowContext(ctx, `SELECT title, summary, attributes FROM threads WHERE id = ?`, id)
	if err := row.Scan(&title, &summary, &attrs); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("thread %s: %w", id, caravan.ErrNotFound)
		}
		return fmt.Errorf("update thread: %w", err)
	}

	if update.Title != nil {
		title = *update.Title
	}
	if update.Summary != nil {
		summary = *update.Summary
	}
	if update.Attributes != nil {
		text, err := mapToText(update.Attributes)
		if err != nil {
			return fmt.Errorf("encode thread attributes: %w", err)
		}
		attrs = nullable(text)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE threads SET title = ?, summary = ?, attributes = ?, updated_at = ? WHERE id = ?`,
		title, summary, attrs, caravan.NowUnix(), id,
	)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: update thread ok", "id", id, "duration", time.Since(start))
	return nil
}

func (s *Store) DeleteThread(ctx context.Context, id string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete thread", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("thread %s: %w", id, caravan.ErrNotFound)
	}
	// Thread owns its messages.
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, id); err != nil {
		return fmt.Errorf("delete thread messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: delete thread ok", "id", id, "duration", time.Since(start))
	return nil
}

func (s *Store) ListThreads(ctx context.Context, filter caravan.ThreadFilter) ([]*caravan.Thread, error) {
	q := `SELECT id, owner_id, title, summary, attributes, created_at, updated_at FROM threads`
	var args []any
	if filter.OwnerID != "" {
		q += ` WHERE owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	q += ` ORDER BY id`
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []*caravan.Thread
	for rows.Next() {
		var t caravan.Thread
		var attrs sql.NullString
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Summary, &attrs, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		if attrs.Valid {
			_ = json.Unmarshal([]byte(attrs.String), &t.Attributes)
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return out, nil
}

// --- Messages ---

func (s *Store) AddMessage(ctx context.Context, msg *caravan.Message) error {
	start := time.Now()
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
	s.logger.Debug("sqlite: add message", "id", msg.ID, "thread_id", msg.ThreadID, "role", msg.Role)

	content, err := contentToText(msg.Content)
	if err != nil {
		return fmt.Errorf("encode message content: %w", err)
	}
	attrs, err := messageAttrsToText(msg.Attributes)
	if err != nil {
		return fmt.Errorf("encode message attributes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Adding a message bumps the owning thread, which doubles as the
	// existence check.
	res, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, now, msg.ThreadID)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("thread %s: %w", msg.ThreadID, caravan.ErrNotFound)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, role, content, attributes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ThreadID, string(msg.Role), content, attrs, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: add message failed", "id", msg.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("add message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: add message ok", "id", msg.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetMessages(ctx context.Context, threadID string, query caravan.MessageQuery) ([]*caravan.Message, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get messages", "thread_id", threadID, "limit", query.Limit)

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE id = ?`, threadID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("thread %s: %w", threadID, caravan.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}

	q := `SELECT id, thread_id, role, content, attributes, created_at, updated_at
	      FROM messages WHERE thread_id = ?`
	args := []any{threadID}
	// Ids are time-ordered, so cursor comparison is chronological.
	if query.After != "" {
		q += ` AND id > ?`
		args = append(args, query.After)
	}
	if query.Before != "" {
		q += ` AND id < ?`
		args = append(args, query.Before)
	}
	if query.Order == caravan.OrderDesc {
		q += ` ORDER BY id DESC`
	} else {
		q += ` ORDER BY id ASC`
	}
	if query.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, query.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []*caravan.Message
	for rows.Next() {
		var m caravan.Message
		var content, attrs sql.NullString
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &content, &attrs, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if content.Valid {
			if err := json.Unmarshal([]byte(content.String), &m.Content); err != nil {
				return nil, fmt.Errorf("decode message content: %w", err)
			}
		}
		if attrs.Valid {
			if err := json.Unmarshal([]byte(attrs.String), &m.Attributes); err != nil {
				return nil, fmt.Errorf("decode message attributes: %w", err)
			}
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	s.logger.Debug("sqlite: get messages ok", "thread_id", threadID, "count", len(out), "duration", time.Since(start))
	return out, nil
}

func (s *Store) UpdateMessage(ctx context.Context, msg *caravan.Message) error {
	start := time.Now()
	s.logger.Debug("sqlite: update message", "id", msg.ID, "thread_id", msg.ThreadID)

	content, err := contentToText(msg.Content)
	if err != nil {
		return fmt.Errorf("encode message content: %w", err)
	}
	attrs, err := messageAttrsToText(msg.Attributes)
	if err != nil {
		return fmt.Errorf("encode message attributes: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET role = ?, content = ?, attributes = ?, updated_at = ?
		 WHERE id = ? AND thread_id = ?`,
		string(msg.Role), content, attrs, caravan.NowUnix(), msg.ID, msg.ThreadID,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", msg.ID, caravan.ErrNotFound)
	}
	s.logger.Debug("sqlite: update message ok", "id", msg.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, threadID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ? AND id = ?`, threadID, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", id, caravan.ErrNotFound)
	}
	return nil
}

// --- Runs ---

const runColumns = `id, thread_id, agent_type, status, created_at, started_at, completed_at, expires_at, last_error, config, attributes`

func (s *Store) CreateRun(ctx context.Context, run *caravan.AgentRun) error {
	start := time.Now()
	if run.ID == "" {
		run.ID = caravan.NewID()
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = caravan.NowUnix()
	}
	s.logger.Debug("sqlite: create run", "id", run.ID, "thread_id", run.ThreadID, "status", string(run.Status))

	lastErr, config, attrs, err := encodeRunFields(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ThreadID, run.AgentType, string(run.Status),
		run.CreatedAt, run.StartedAt, run.CompletedAt, run.ExpiresAt,
		lastErr, config, attrs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %s: already exists", run.ID)
		}
		s.logger.Error("sqlite: create run failed", "id", run.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create run: %w", err)
	}
	s.logger.Debug("sqlite: create run ok", "id", run.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*caravan.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, caravan.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// UpdateRunStatus applies the status transition rules: started_at is
// stamped on the first transition to in_progress, completed_at on the
// first terminal transition, and a nil lastErr clears the stored error
// only when the run completed.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status caravan.RunStatus, lastErr *caravan.RunError) (*caravan.AgentRun, error) {
	start := time.Now()
	s.logger.Debug("sqlite: update run status", "id", id, "status", string(status))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, caravan.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update run status: %w", err)
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

	errText, err := runErrorToText(run.LastError)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ?, completed_at = ?, last_error = ? WHERE id = ?`,
		string(run.Status), run.StartedAt, run.CompletedAt, errText, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update run status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: update run status ok", "id", id, "status", string(status), "duration", time.Since(start))
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, filter caravan.RunFilter) ([]*caravan.AgentRun, error) {
	q := `SELECT ` + runColumns + ` FROM runs`
	var conds []string
	var args []any
	if filter.ThreadID != "" {
		conds = append(conds, `thread_id = ?`)
		args = append(args, filter.ThreadID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Statuses)), ",")
		conds = append(conds, `status IN (`+placeholders+`)`)
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.ExpiresBefore > 0 {
		conds = append(conds, `expires_at > 0 AND expires_at < ?`)
		args = append(args, filter.ExpiresBefore)
	}
	if filter.StartedBefore > 0 {
		conds = append(conds, `started_at > 0 AND started_at < ?`)
		args = append(args, filter.StartedBefore)
	}
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	q += ` ORDER BY id`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*caravan.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// --- Encoding helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*caravan.AgentRun, error) {
	var run caravan.AgentRun
	var lastErr, config, attrs sql.NullString
	err := row.Scan(&run.ID, &run.ThreadID, &run.AgentType, &run.Status,
		&run.CreatedAt, &run.StartedAt, &run.CompletedAt, &run.ExpiresAt,
		&lastErr, &config, &attrs)
	if err != nil {
		return nil, err
	}
	if lastErr.Valid {
		run.LastError = &caravan.RunError{}
		if err := json.Unmarshal([]byte(lastErr.String), run.LastError); err != nil {
			return nil, fmt.Errorf("decode last_error: %w", err)
		}
	}
	if config.Valid {
		if err := json.Unmarshal([]byte(config.String), &run.Config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if attrs.Valid {
		_ = json.Unmarshal([]byte(attrs.String), &run.Attributes)
	}
	return &run, nil
}

func encodeRunFields(run *caravan.AgentRun) (lastErr, config, attrs sql.NullString, err error) {
	errText, err := runErrorToText(run.LastError)
	if err != nil {
		return lastErr, config, attrs, err
	}
	lastErr = errText

	data, err := json.Marshal(run.Config)
	if err != nil {
		return lastErr, config, attrs, fmt.Errorf("encode run config: %w", err)
	}
	config = sql.NullString{String: string(data), Valid: true}

	text, err := mapToText(run.Attributes)
	if err != nil {
		return lastErr, config, attrs, fmt.Errorf("encode run attributes: %w", err)
	}
	attrs = nullable(text)
	return lastErr, config, attrs, nil
}

func runErrorToText(re *caravan.RunError) (sql.NullString, error) {
	if re == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(re)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode run error: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func mapToText(m map[string]any) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

// contentToText serializes message content, mapping empty content to
// NULL so tool-call-only assistant messages round-trip.
func contentToText(c caravan.Content) (sql.NullString, error) {
	if c.Empty() {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func messageAttrsToText(a caravan.MessageAttributes) (sql.NullString, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "{}" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
