package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/groupherald/herald/store"
	"github.com/groupherald/herald/tools"
	"github.com/groupherald/herald/types"
)

type fakeStore struct {
	mu      sync.Mutex
	tasks   map[string]store.Task
	starts  []store.ExecutionRecord
	ends    map[int64]store.ExecutionEnd
	lastRun map[string]time.Time
	nextID  int64
}

func newFakeStore(tasks ...store.Task) *fakeStore {
	s := &fakeStore{
		tasks:   make(map[string]store.Task),
		ends:    make(map[int64]store.ExecutionEnd),
		lastRun: make(map[string]time.Time),
	}
	for _, task := range tasks {
		s.tasks[task.ID] = task
	}
	return s
}

func (s *fakeStore) ListActiveTasks(ctx context.Context) ([]store.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if task.Active {
			out = append(out, task)
		}
	}
	return out, nil
}

func (s *fakeStore) GetTask(ctx context.Context, id string) (store.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return store.Task{}, store.ErrNotFound
	}
	return task, nil
}

func (s *fakeStore) SetLastRun(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return store.ErrNotFound
	}
	s.lastRun[id] = at
	return nil
}

func (s *fakeStore) AppendExecutionStart(ctx context.Context, record store.ExecutionRecord) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	record.LogID = s.nextID
	s.starts = append(s.starts, record)
	return s.nextID, nil
}

func (s *fakeStore) AppendExecutionEnd(ctx context.Context, logID int64, end store.ExecutionEnd) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.ends[logID]; done {
		return errors.New("execution already finalized")
	}
	s.ends[logID] = end
	return nil
}

func (s *fakeStore) ListExecutions(ctx context.Context, taskID string, limit int) ([]store.ExecutionRecord, error) {
	_ = ctx
	_ = taskID
	_ = limit
	return nil, nil
}

func (s *fakeStore) Close() error { return nil }

type stubAgent struct {
	result    types.RunResult
	err       error
	gotInput  string
	gotOrigin string
}

func (a *stubAgent) Run(ctx context.Context, sessionID, input string) (types.RunResult, error) {
	_ = sessionID
	a.gotInput = input
	a.gotOrigin = tools.OriginFromContext(ctx)
	if a.err != nil {
		return types.RunResult{}, a.err
	}
	return a.result, nil
}

type stubSink struct {
	destination string
	text        string
	fail        error
	calls       int
}

func (s *stubSink) Send(ctx context.Context, destination, text string) error {
	_ = ctx
	s.calls++
	if s.fail != nil {
		return s.fail
	}
	s.destination = destination
	s.text = text
	return nil
}

func activeTask() store.Task {
	return store.Task{
		ID:          "task-1",
		Name:        "AI digest",
		Trigger:     "0 16 * * *",
		ActionType:  ActionDailySummary,
		Groups:      []string{"AI Group"},
		Destination: "Ops",
		Active:      true,
	}
}

func TestExecuteDetailed_SuccessfulRun(t *testing.T) {
	t.Parallel()

	db := newFakeStore(activeTask())
	agent := &stubAgent{result: types.RunResult{
		Output:      "today's digest",
		Rounds:      3,
		ToolsCalled: []string{"find_group", "fetch_recent_messages"},
		Usage:       &types.Usage{TotalTokens: 100},
	}}
	sink := &stubSink{}

	r, err := New(db, agent, sink)
	if err != nil {
		t.Fatalf("failed to build runner: %v", err)
	}

	result := r.ExecuteDetailed(context.Background(), "task-1")
	if result.Err != nil {
		t.Fatalf("run failed: %v", result.Err)
	}
	if !result.Success || !result.Delivered {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.SessionID == "" {
		t.Fatal("expected a session id")
	}

	if sink.destination != "Ops" || sink.text != "today's digest" {
		t.Fatalf("unexpected delivery: %q -> %q", sink.destination, sink.text)
	}
	if agent.gotOrigin != "AI Group" {
		t.Fatalf("expected the primary group as origin, got %q", agent.gotOrigin)
	}

	if len(db.starts) != 1 {
		t.Fatalf("expected one execution start, got %d", len(db.starts))
	}
	start := db.starts[0]
	if start.TaskID != "task-1" || start.Instruction == "" {
		t.Fatalf("unexpected start record: %+v", start)
	}
	end, ok := db.ends[start.LogID]
	if !ok {
		t.Fatal("execution was never finalized")
	}
	if !end.Success || !end.Delivered || end.Output != "today's digest" || end.Rounds != 3 {
		t.Fatalf("unexpected end record: %+v", end)
	}
	if _, ok := db.lastRun["task-1"]; !ok {
		t.Fatal("last run must be updated on success")
	}
}

func TestExecuteDetailed_AgentFailureIsContained(t *testing.T) {
	t.Parallel()

	db := newFakeStore(activeTask())
	agent := &stubAgent{err: errors.New("model unavailable")}
	sink := &stubSink{}

	r, err := New(db, agent, sink)
	if err != nil {
		t.Fatalf("failed to build runner: %v", err)
	}

	result := r.ExecuteDetailed(context.Background(), "task-1")
	if result.Err == nil || result.Success {
		t.Fatalf("expected failed result, got %+v", result)
	}
	if sink.calls != 0 {
		t.Fatal("nothing must be delivered when the agent fails")
	}

	end, ok := db.ends[1]
	if !ok {
		t.Fatal("a failed run must still finalize its execution record")
	}
	if end.Success || end.Error == "" {
		t.Fatalf("unexpected end record: %+v", end)
	}
	if _, ok := db.lastRun["task-1"]; ok {
		t.Fatal("last run must not be updated on failure")
	}
}

// deadlineAgent blocks until the run context expires, like a model call that
// never returns within the lock TTL.
type deadlineAgent struct{}

func (deadlineAgent) Run(ctx context.Context, sessionID, input string) (types.RunResult, error) {
	_ = sessionID
	_ = input
	<-ctx.Done()
	return types.RunResult{}, ctx.Err()
}

func TestExecuteDetailed_TimedOutRunStillFinalizes(t *testing.T) {
	t.Parallel()

	db := newFakeStore(activeTask())
	r, err := New(db, deadlineAgent{}, &stubSink{})
	if err != nil {
		t.Fatalf("failed to build runner: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result := r.ExecuteDetailed(ctx, "task-1")
	if result.Err == nil {
		t.Fatal("expected the timed-out run to fail")
	}

	// The record write must not ride the expired run context.
	end, ok := db.ends[1]
	if !ok {
		t.Fatal("a timed-out run must still finalize its execution record")
	}
	if end.Success || end.Error == "" {
		t.Fatalf("unexpected end record: %+v", end)
	}
	if _, ok := db.lastRun["task-1"]; ok {
		t.Fatal("last run must not be updated on a timed-out run")
	}
}

func TestExecuteDetailed_DeliveryFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	db := newFakeStore(activeTask())
	agent := &stubAgent{result: types.RunResult{Output: "digest", Rounds: 1}}
	sink := &stubSink{fail: errors.New("telegram down")}

	r, err := New(db, agent, sink)
	if err != nil {
		t.Fatalf("failed to build runner: %v", err)
	}

	result := r.ExecuteDetailed(context.Background(), "task-1")
	if result.Err != nil {
		t.Fatalf("delivery failure must not fail the run: %v", result.Err)
	}
	if !result.Success || result.Delivered {
		t.Fatalf("unexpected result: %+v", result)
	}

	end := db.ends[1]
	if !end.Success || end.Delivered {
		t.Fatalf("unexpected end record: %+v", end)
	}
	if _, ok := db.lastRun["task-1"]; !ok {
		t.Fatal("last run must still be updated when only delivery failed")
	}
}

func TestExecute_UnknownTask(t *testing.T) {
	t.Parallel()

	r, err := New(newFakeStore(), &stubAgent{}, &stubSink{})
	if err != nil {
		t.Fatalf("failed to build runner: %v", err)
	}

	if err := r.Execute(context.Background(), "ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestExecute_InactiveTaskIsANormalSkip(t *testing.T) {
	t.Parallel()

	task := activeTask()
	task.Active = false
	db := newFakeStore(task)
	agent := &stubAgent{}

	r, err := New(db, agent, &stubSink{})
	if err != nil {
		t.Fatalf("failed to build runner: %v", err)
	}

	if err := r.Execute(context.Background(), "task-1"); err != nil {
		t.Fatalf("an inactive task must be a silent skip, got %v", err)
	}
	result := r.ExecuteDetailed(context.Background(), "task-1")
	if !errors.Is(result.Err, ErrTaskInactive) {
		t.Fatalf("expected ErrTaskInactive, got %v", result.Err)
	}
	if len(db.starts) != 0 {
		t.Fatal("no execution record must be written for a skipped task")
	}
}

func TestExecuteDetailed_LiteralInstructionWins(t *testing.T) {
	t.Parallel()

	task := activeTask()
	task.Instruction = "Summarize yesterday's incidents only."
	db := newFakeStore(task)
	agent := &stubAgent{result: types.RunResult{Output: "ok", Rounds: 1}}

	r, err := New(db, agent, &stubSink{})
	if err != nil {
		t.Fatalf("failed to build runner: %v", err)
	}

	if result := r.ExecuteDetailed(context.Background(), "task-1"); result.Err != nil {
		t.Fatalf("run failed: %v", result.Err)
	}
	if agent.gotInput != task.Instruction {
		t.Fatalf("expected the literal instruction, got %q", agent.gotInput)
	}
}
