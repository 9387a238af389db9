package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/groupherald/herald/store"
)

type stubTaskStore struct {
	mu    sync.Mutex
	tasks []store.Task
	fail  error
}

func (s *stubTaskStore) ListActiveTasks(ctx context.Context) ([]store.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	return append([]store.Task(nil), s.tasks...), nil
}

func (s *stubTaskStore) GetTask(ctx context.Context, id string) (store.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.ID == id {
			return task, nil
		}
	}
	return store.Task{}, store.ErrNotFound
}

func (s *stubTaskStore) SetLastRun(ctx context.Context, id string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			t := at
			s.tasks[i].LastRun = &t
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *stubTaskStore) AppendExecutionStart(ctx context.Context, record store.ExecutionRecord) (int64, error) {
	_ = ctx
	_ = record
	return 1, nil
}

func (s *stubTaskStore) AppendExecutionEnd(ctx context.Context, logID int64, end store.ExecutionEnd) error {
	_ = ctx
	_ = logID
	_ = end
	return nil
}

func (s *stubTaskStore) ListExecutions(ctx context.Context, taskID string, limit int) ([]store.ExecutionRecord, error) {
	_ = ctx
	_ = taskID
	_ = limit
	return nil, nil
}

func (s *stubTaskStore) Close() error { return nil }

type recordingExecutor struct {
	mu       sync.Mutex
	executed map[string]int
	failIDs  map[string]bool
	done     chan string
}

func newRecordingExecutor(buffer int) *recordingExecutor {
	return &recordingExecutor{
		executed: make(map[string]int),
		failIDs:  make(map[string]bool),
		done:     make(chan string, buffer),
	}
}

func (e *recordingExecutor) Execute(ctx context.Context, taskID string) error {
	_ = ctx
	e.mu.Lock()
	e.executed[taskID]++
	fail := e.failIDs[taskID]
	e.mu.Unlock()
	select {
	case e.done <- taskID:
	default:
	}
	if fail {
		return errors.New("execution failed")
	}
	return nil
}

func (e *recordingExecutor) count(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executed[taskID]
}

func waitFor(t *testing.T, done <-chan string, want int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for i := 0; i < want; i++ {
		select {
		case <-done:
		case <-deadline:
			t.Fatalf("timed out waiting for %d executions, saw %d", want, i)
		}
	}
}

func TestDispatcher_DispatchesDueTasks(t *testing.T) {
	t.Parallel()

	tasks := &stubTaskStore{tasks: []store.Task{
		{ID: "task-1", Name: "digest", Trigger: "* * * * *", Active: true},
	}}
	exec := newRecordingExecutor(8)

	d, err := NewDispatcher(tasks, exec,
		WithPollInterval(20*time.Millisecond),
		WithInitialDelay(0),
	)
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	waitFor(t, exec.done, 1)
	cancel()
	d.Stop()

	if exec.count("task-1") < 1 {
		t.Fatal("expected the due task to be dispatched")
	}
}

func TestDispatcher_FailureDoesNotStopScanning(t *testing.T) {
	t.Parallel()

	tasks := &stubTaskStore{tasks: []store.Task{
		{ID: "bad", Name: "fails", Trigger: "* * * * *", Active: true},
		{ID: "good", Name: "works", Trigger: "* * * * *", Active: true},
	}}
	exec := newRecordingExecutor(8)
	exec.failIDs["bad"] = true

	d, err := NewDispatcher(tasks, exec,
		WithPollInterval(20*time.Millisecond),
		WithInitialDelay(0),
	)
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	waitFor(t, exec.done, 2)
	cancel()
	d.Stop()

	if exec.count("good") < 1 {
		t.Fatal("a failing task must not prevent other tasks from running")
	}
	if exec.count("bad") < 1 {
		t.Fatal("the failing task itself must still have been attempted")
	}
}

func TestDispatcher_InvalidTriggerIsContained(t *testing.T) {
	t.Parallel()

	tasks := &stubTaskStore{tasks: []store.Task{
		{ID: "broken", Name: "bad cron", Trigger: "not a cron", Active: true},
		{ID: "ok", Name: "works", Trigger: "* * * * *", Active: true},
	}}
	exec := newRecordingExecutor(8)

	d, err := NewDispatcher(tasks, exec,
		WithPollInterval(20*time.Millisecond),
		WithInitialDelay(0),
	)
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	waitFor(t, exec.done, 1)
	cancel()
	d.Stop()

	if exec.count("broken") != 0 {
		t.Fatal("a task with a malformed trigger must never execute")
	}
	if exec.count("ok") < 1 {
		t.Fatal("a malformed trigger on one task must not block the rest")
	}
}

func TestDispatcher_LockPreventsOverlap(t *testing.T) {
	t.Parallel()

	tasks := &stubTaskStore{tasks: []store.Task{
		{ID: "slow", Name: "slow task", Trigger: "* * * * *", Active: true},
	}}

	block := make(chan struct{})
	started := make(chan struct{}, 8)
	exec := executorFunc(func(ctx context.Context, taskID string) error {
		_ = ctx
		_ = taskID
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	})

	d, err := NewDispatcher(tasks, exec,
		WithPollInterval(20*time.Millisecond),
		WithInitialDelay(0),
	)
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	<-started
	// Let several poll ticks pass while the first run is still holding the lock.
	time.Sleep(100 * time.Millisecond)
	select {
	case <-started:
		t.Fatal("a second run started while the lock was held")
	default:
	}

	close(block)
	cancel()
	d.Stop()
}

type executorFunc func(ctx context.Context, taskID string) error

func (f executorFunc) Execute(ctx context.Context, taskID string) error {
	return f(ctx, taskID)
}
