package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/groupherald/herald/store"
	"github.com/groupherald/herald/types"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

// Store implements store.TaskStore plus the Directory and Archive
// collaborators over a single sqlite database.
type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// SaveTask inserts or replaces a task definition. Administrative edits go
// through here; the execution core itself only touches last_run.
func (s *Store) SaveTask(ctx context.Context, task store.Task) error {
	if strings.TrimSpace(task.ID) == "" {
		return fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(task.Trigger) == "" {
		return fmt.Errorf("task trigger is required")
	}
	now := time.Now().UTC()
	if task.CreatedAt == nil {
		task.CreatedAt = &now
	}
	if task.UpdatedAt == nil {
		task.UpdatedAt = &now
	}

	groupsRaw, err := json.Marshal(task.Groups)
	if err != nil {
		return fmt.Errorf("failed to marshal task groups: %w", err)
	}

	const q = `
INSERT INTO tasks (
  id, name, cron_expr, instruction, action_type, subject_groups, destination, active, last_run, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name,
  cron_expr=excluded.cron_expr,
  instruction=excluded.instruction,
  action_type=excluded.action_type,
  subject_groups=excluded.subject_groups,
  destination=excluded.destination,
  active=excluded.active,
  updated_at=excluded.updated_at;
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		task.ID,
		task.Name,
		task.Trigger,
		task.Instruction,
		task.ActionType,
		string(groupsRaw),
		task.Destination,
		boolToInt(task.Active),
		toNullableTime(task.LastRun),
		toNullableTime(task.CreatedAt),
		toNullableTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (s *Store) ListActiveTasks(ctx context.Context) ([]store.Task, error) {
	const q = `
SELECT id, name, cron_expr, instruction, action_type, subject_groups, destination, active, last_run, created_at, updated_at
FROM tasks
WHERE active = 1
ORDER BY id;
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tasks: %w", err)
	}
	defer rows.Close()

	var tasks []store.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (store.Task, error) {
	if strings.TrimSpace(id) == "" {
		return store.Task{}, fmt.Errorf("task id is required")
	}
	const q = `
SELECT id, name, cron_expr, instruction, action_type, subject_groups, destination, active, last_run, created_at, updated_at
FROM tasks
WHERE id = ?;
`
	row := s.db.QueryRowContext(ctx, q, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Task{}, store.ErrNotFound
		}
		return store.Task{}, err
	}
	return task, nil
}

func (s *Store) SetLastRun(ctx context.Context, id string, at time.Time) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("task id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET last_run = ?, updated_at = ? WHERE id = ?;`,
		at.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to set last_run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check last_run update: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AppendExecutionStart(ctx context.Context, record store.ExecutionRecord) (int64, error) {
	if record.SessionID == "" {
		return 0, fmt.Errorf("session_id is required")
	}
	if record.TaskID == "" {
		return 0, fmt.Errorf("task_id is required")
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO execution_logs (session_id, task_id, instruction, started_at)
VALUES (?, ?, ?, ?);
`
	res, err := s.db.ExecContext(
		ctx,
		q,
		record.SessionID,
		record.TaskID,
		record.Instruction,
		record.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append execution start: %w", err)
	}
	logID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read execution log id: %w", err)
	}
	return logID, nil
}

func (s *Store) AppendExecutionEnd(ctx context.Context, logID int64, end store.ExecutionEnd) error {
	if logID <= 0 {
		return fmt.Errorf("log_id is required")
	}
	usageRaw, err := json.Marshal(end.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}
	toolsRaw, err := json.Marshal(end.ToolsCalled)
	if err != nil {
		return fmt.Errorf("failed to marshal tools_called: %w", err)
	}
	if end.CompletedAt.IsZero() {
		end.CompletedAt = time.Now().UTC()
	}

	const q = `
UPDATE execution_logs
SET output = ?, usage = ?, tools_called = ?, rounds = ?, success = ?, delivered = ?, error = ?, completed_at = ?
WHERE log_id = ? AND completed_at IS NULL;
`
	res, err := s.db.ExecContext(
		ctx,
		q,
		end.Output,
		nullIfEmptyJSON(usageRaw),
		string(toolsRaw),
		end.Rounds,
		boolToInt(end.Success),
		boolToInt(end.Delivered),
		end.Error,
		end.CompletedAt.UTC().Format(time.RFC3339Nano),
		logID,
	)
	if err != nil {
		return fmt.Errorf("failed to append execution end: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check execution end update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("execution log %d not found or already finalized", logID)
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, taskID string, limit int) ([]store.ExecutionRecord, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	const q = `
SELECT log_id, session_id, task_id, instruction, output, usage, tools_called, rounds, success, delivered, error, started_at, completed_at
FROM execution_logs
WHERE task_id = ?
ORDER BY started_at DESC
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	out := make([]store.ExecutionRecord, 0, limit)
	for rows.Next() {
		var (
			record       store.ExecutionRecord
			usageRaw     sql.NullString
			toolsRaw     string
			success      int
			delivered    int
			startedRaw   string
			completedRaw sql.NullString
		)
		if err := rows.Scan(
			&record.LogID,
			&record.SessionID,
			&record.TaskID,
			&record.Instruction,
			&record.Output,
			&usageRaw,
			&toolsRaw,
			&record.Rounds,
			&success,
			&delivered,
			&record.Error,
			&startedRaw,
			&completedRaw,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		record.Success = success != 0
		record.Delivered = delivered != 0
		if usageRaw.Valid && strings.TrimSpace(usageRaw.String) != "" && usageRaw.String != "null" {
			var usage types.Usage
			if err := json.Unmarshal([]byte(usageRaw.String), &usage); err != nil {
				return nil, fmt.Errorf("failed to decode execution usage: %w", err)
			}
			record.Usage = &usage
		}
		if err := json.Unmarshal([]byte(toolsRaw), &record.ToolsCalled); err != nil {
			return nil, fmt.Errorf("failed to decode tools_called: %w", err)
		}
		record.StartedAt, err = parseRequiredTime(startedRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse started_at: %w", err)
		}
		if completedRaw.Valid && strings.TrimSpace(completedRaw.String) != "" {
			completed, err := parseRequiredTime(completedRaw.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse completed_at: %w", err)
			}
			record.CompletedAt = &completed
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}
	return out, nil
}

// SaveGroup registers a group in the directory.
func (s *Store) SaveGroup(ctx context.Context, group store.Group) error {
	if strings.TrimSpace(group.ID) == "" {
		return fmt.Errorf("group id is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO chat_groups (id, name) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET name=excluded.name;`,
		group.ID,
		group.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to save group: %w", err)
	}
	return nil
}

func (s *Store) FindGroup(ctx context.Context, name string) (store.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Group{}, fmt.Errorf("group name is required")
	}
	// Exact match wins; otherwise fall back to a case-insensitive contains
	// match so the model can be loose about group naming.
	var group store.Group
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM chat_groups WHERE name = ? LIMIT 1;`, name).
		Scan(&group.ID, &group.Name)
	if err == nil {
		return group, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Group{}, fmt.Errorf("failed to find group: %w", err)
	}

	err = s.db.QueryRowContext(
		ctx,
		`SELECT id, name FROM chat_groups WHERE name LIKE ? COLLATE NOCASE ORDER BY name LIMIT 1;`,
		"%"+name+"%",
	).Scan(&group.ID, &group.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Group{}, store.ErrNotFound
		}
		return store.Group{}, fmt.Errorf("failed to find group: %w", err)
	}
	return group, nil
}

// SaveMessage archives one message.
func (s *Store) SaveMessage(ctx context.Context, msg store.ChatMessage) error {
	if strings.TrimSpace(msg.ID) == "" {
		return fmt.Errorf("message id is required")
	}
	if strings.TrimSpace(msg.GroupID) == "" {
		return fmt.Errorf("message group id is required")
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO messages (id, group_id, sender, text, sent_at) VALUES (?, ?, ?, ?, ?);`,
		msg.ID,
		msg.GroupID,
		msg.Sender,
		msg.Text,
		msg.SentAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, query store.ArchiveQuery) ([]store.ChatMessage, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	where := []string{}
	args := []any{}
	if query.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, query.GroupID)
	}
	if query.Since != nil {
		where = append(where, "sent_at >= ?")
		args = append(args, query.Since.UTC().Format(time.RFC3339Nano))
	}
	if query.Until != nil {
		where = append(where, "sent_at <= ?")
		args = append(args, query.Until.UTC().Format(time.RFC3339Nano))
	}
	if strings.TrimSpace(query.Text) != "" {
		where = append(where, "text LIKE ? COLLATE NOCASE")
		args = append(args, "%"+strings.TrimSpace(query.Text)+"%")
	}

	sqlText := `SELECT id, group_id, sender, text, sent_at FROM messages`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY sent_at DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	out := make([]store.ChatMessage, 0, limit)
	for rows.Next() {
		var (
			msg       store.ChatMessage
			sentAtRaw string
		)
		if err := rows.Scan(&msg.ID, &msg.GroupID, &msg.Sender, &msg.Text, &sentAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.SentAt, err = parseRequiredTime(sentAtRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse message sent_at: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (store.Task, error) {
	var (
		task       store.Task
		groupsRaw  string
		active     int
		lastRunRaw sql.NullString
		createdRaw string
		updatedRaw string
	)
	err := row.Scan(
		&task.ID,
		&task.Name,
		&task.Trigger,
		&task.Instruction,
		&task.ActionType,
		&groupsRaw,
		&task.Destination,
		&active,
		&lastRunRaw,
		&createdRaw,
		&updatedRaw,
	)
	if err != nil {
		return store.Task{}, err
	}
	task.Active = active != 0
	if err := json.Unmarshal([]byte(groupsRaw), &task.Groups); err != nil {
		return store.Task{}, fmt.Errorf("failed to decode task groups: %w", err)
	}
	if lastRunRaw.Valid && strings.TrimSpace(lastRunRaw.String) != "" {
		lastRun, err := parseRequiredTime(lastRunRaw.String)
		if err != nil {
			return store.Task{}, fmt.Errorf("failed to parse task last_run: %w", err)
		}
		task.LastRun = &lastRun
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return store.Task{}, fmt.Errorf("failed to parse task created_at: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return store.Task{}, fmt.Errorf("failed to parse task updated_at: %w", err)
	}
	task.CreatedAt = &created
	task.UpdatedAt = &updated
	return task, nil
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullIfEmptyJSON(raw []byte) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
