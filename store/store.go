package store

import (
	"context"
	"errors"
	"time"

	"github.com/groupherald/herald/types"
)

var (
	ErrNotFound = errors.New("store: not found")
)

// Task is a persisted definition of what to run, on what trigger, for which
// groups, and where to send the result. Trigger is a standard 5-field cron
// expression (minute hour day-of-month month day-of-week).
type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Trigger     string     `json:"trigger"`
	Instruction string     `json:"instruction,omitempty"` // literal instruction; overrides ActionType
	ActionType  string     `json:"actionType,omitempty"`  // template key when Instruction is empty
	Groups      []string   `json:"groups,omitempty"`
	Destination string     `json:"destination"`
	Active      bool       `json:"active"`
	LastRun     *time.Time `json:"lastRun,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// ExecutionRecord captures one run of a task. It is appended when the run
// starts and finalized exactly once when the run ends; never mutated after.
type ExecutionRecord struct {
	LogID       int64        `json:"logId,omitempty"`
	SessionID   string       `json:"sessionId"`
	TaskID      string       `json:"taskId"`
	Instruction string       `json:"instruction"`
	Output      string       `json:"output,omitempty"`
	Usage       *types.Usage `json:"usage,omitempty"`
	ToolsCalled []string     `json:"toolsCalled,omitempty"`
	Rounds      int          `json:"rounds,omitempty"`
	Success     bool         `json:"success"`
	Delivered   bool         `json:"delivered"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"startedAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// ExecutionEnd carries the fields written when a record is finalized.
type ExecutionEnd struct {
	Output      string
	Usage       *types.Usage
	ToolsCalled []string
	Rounds      int
	Success     bool
	Delivered   bool
	Error       string
	CompletedAt time.Time
}

// TaskStore is the narrow repository surface the execution core depends on.
type TaskStore interface {
	ListActiveTasks(ctx context.Context) ([]Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	SetLastRun(ctx context.Context, id string, at time.Time) error

	AppendExecutionStart(ctx context.Context, record ExecutionRecord) (int64, error)
	AppendExecutionEnd(ctx context.Context, logID int64, end ExecutionEnd) error
	ListExecutions(ctx context.Context, taskID string, limit int) ([]ExecutionRecord, error)

	Close() error
}

// Group is a chat group known to the directory.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChatMessage is one archived message from a group.
type ChatMessage struct {
	ID      string    `json:"id"`
	GroupID string    `json:"groupId"`
	Sender  string    `json:"sender"`
	Text    string    `json:"text"`
	SentAt  time.Time `json:"sentAt"`
}

// Directory resolves groups by name. Lookup misses return ErrNotFound.
type Directory interface {
	FindGroup(ctx context.Context, name string) (Group, error)
}

// ArchiveQuery filters archived messages. Zero-value fields are ignored.
type ArchiveQuery struct {
	GroupID string
	Since   *time.Time
	Until   *time.Time
	Text    string
	Limit   int
}

// Archive lists archived messages ordered newest first.
type Archive interface {
	ListMessages(ctx context.Context, query ArchiveQuery) ([]ChatMessage, error)
}
