// Package runner orchestrates one task execution end to end: it builds the
// instruction, drives the agent loop, delivers the output, and owns the
// execution record's lifecycle.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/groupherald/herald/delivery"
	"github.com/groupherald/herald/observe"
	"github.com/groupherald/herald/store"
	"github.com/groupherald/herald/tools"
	"github.com/groupherald/herald/types"
)

// AgentRunner is the loop the runner drives. It returns the final text and
// run metrics, or an error on transport-level model failures.
type AgentRunner interface {
	Run(ctx context.Context, sessionID, input string) (types.RunResult, error)
}

// persistWindow bounds record writes that must outlive the run context, such
// as finalizing an execution that hit its deadline.
const persistWindow = 5 * time.Second

func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistWindow)
}

// Result is what one execution reports back to the dispatcher.
type Result struct {
	Success   bool
	SessionID string
	Duration  time.Duration
	Output    string
	Delivered bool
	Err       error
}

type Runner struct {
	tasks    store.TaskStore
	agent    AgentRunner
	sink     delivery.Sink
	logger   zerolog.Logger
	observer observe.Sink
	now      func() time.Time
}

type Option func(*Runner)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

func WithObserver(observer observe.Sink) Option {
	return func(r *Runner) {
		if observer != nil {
			r.observer = observer
		}
	}
}

// WithClock overrides the runner clock. Tests use it for stable timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func New(tasks store.TaskStore, agent AgentRunner, sink delivery.Sink, opts ...Option) (*Runner, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if sink == nil {
		sink = delivery.NoopSink{}
	}

	r := &Runner{
		tasks:    tasks,
		agent:    agent,
		sink:     sink,
		logger:   zerolog.Nop(),
		observer: observe.NoopSink{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Execute runs the task and reports only pass/fail, which is all the
// dispatcher needs. An inactive task is a normal skip, not an error.
func (r *Runner) Execute(ctx context.Context, taskID string) error {
	result := r.ExecuteDetailed(ctx, taskID)
	if errors.Is(result.Err, ErrTaskInactive) {
		return nil
	}
	return result.Err
}

// ExecuteDetailed runs the task and returns the full execution result. Agent
// failures are converted into a failed execution record and a failed result;
// they never panic or escape as anything the caller must recover from.
func (r *Runner) ExecuteDetailed(ctx context.Context, taskID string) Result {
	startedAt := r.now().UTC()

	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Err: fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)}
		}
		return Result{Err: fmt.Errorf("failed to load task %s: %w", taskID, err)}
	}
	if !task.Active {
		r.logger.Debug().Str("task_id", task.ID).Str("task", task.Name).Msg("skipping inactive task")
		return Result{Err: fmt.Errorf("%w: %s", ErrTaskInactive, taskID)}
	}

	instruction, err := buildInstruction(task)
	if err != nil {
		return Result{Err: err}
	}

	sessionID := uuid.NewString()
	logID, err := r.tasks.AppendExecutionStart(ctx, store.ExecutionRecord{
		SessionID:   sessionID,
		TaskID:      task.ID,
		Instruction: instruction,
		StartedAt:   startedAt,
	})
	if err != nil {
		return Result{SessionID: sessionID, Err: fmt.Errorf("failed to record execution start: %w", err)}
	}

	r.logger.Info().Str("task_id", task.ID).Str("task", task.Name).Str("session_id", sessionID).Msg("starting task execution")
	r.emit(ctx, observe.Event{
		Kind:      observe.KindTask,
		Status:    observe.StatusStarted,
		TaskID:    task.ID,
		SessionID: sessionID,
		Name:      task.Name,
	})

	// Write tools check the originating group against the management
	// allow-list; the task's primary subject group is that origin.
	runCtx := ctx
	if origin := primaryGroup(task.Groups); origin != "" {
		runCtx = tools.WithOrigin(ctx, origin)
	}

	run, runErr := r.agent.Run(runCtx, sessionID, instruction)
	completedAt := r.now().UTC()

	if runErr != nil {
		r.finalize(ctx, logID, task, sessionID, startedAt, store.ExecutionEnd{
			Success:     false,
			Error:       runErr.Error(),
			CompletedAt: completedAt,
		})
		r.logger.Error().Err(runErr).Str("task_id", task.ID).Str("session_id", sessionID).Msg("agent run failed")
		return Result{
			SessionID: sessionID,
			Duration:  completedAt.Sub(startedAt),
			Err:       fmt.Errorf("agent run failed: %w", runErr),
		}
	}
	if run.Truncated {
		r.logger.Warn().Str("task_id", task.ID).Str("session_id", sessionID).
			Int("rounds", run.Rounds).Msg("agent hit the round cap; delivering best available text")
	}

	// Delivery failure does not invalidate a successful run; it is recorded
	// on the execution and logged separately.
	delivered := false
	if strings.TrimSpace(task.Destination) != "" {
		if err := r.sink.Send(ctx, task.Destination, run.Output); err != nil {
			r.logger.Error().Err(err).Str("task_id", task.ID).Str("destination", task.Destination).Msg("delivery failed")
			r.emit(ctx, observe.Event{
				Kind:      observe.KindDelivery,
				Status:    observe.StatusFailed,
				TaskID:    task.ID,
				SessionID: sessionID,
				Name:      task.Destination,
				Error:     err.Error(),
			})
		} else {
			delivered = true
			r.emit(ctx, observe.Event{
				Kind:      observe.KindDelivery,
				Status:    observe.StatusCompleted,
				TaskID:    task.ID,
				SessionID: sessionID,
				Name:      task.Destination,
			})
		}
	}

	r.finalize(ctx, logID, task, sessionID, startedAt, store.ExecutionEnd{
		Output:      run.Output,
		Usage:       run.Usage,
		ToolsCalled: run.ToolsCalled,
		Rounds:      run.Rounds,
		Success:     true,
		Delivered:   delivered,
		CompletedAt: completedAt,
	})

	writeCtx, cancel := persistContext(ctx)
	if err := r.tasks.SetLastRun(writeCtx, task.ID, completedAt); err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to update last run timestamp")
	}
	cancel()

	r.logger.Info().Str("task_id", task.ID).Str("session_id", sessionID).
		Int("rounds", run.Rounds).Bool("delivered", delivered).
		Dur("duration", completedAt.Sub(startedAt)).Msg("task execution completed")

	return Result{
		Success:   true,
		SessionID: sessionID,
		Duration:  completedAt.Sub(startedAt),
		Output:    run.Output,
		Delivered: delivered,
	}
}

// finalize writes the execution end exactly once. A persistence failure here
// is logged but cannot un-run the task.
func (r *Runner) finalize(ctx context.Context, logID int64, task store.Task, sessionID string, startedAt time.Time, end store.ExecutionEnd) {
	// A run that failed by timing out arrives here with an expired context;
	// the end record must still land or the execution stays open forever.
	writeCtx, cancel := persistContext(ctx)
	defer cancel()
	if err := r.tasks.AppendExecutionEnd(writeCtx, logID, end); err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID).Int64("log_id", logID).Msg("failed to finalize execution record")
	}
	status := observe.StatusCompleted
	if !end.Success {
		status = observe.StatusFailed
	}
	r.emit(writeCtx, observe.Event{
		Kind:       observe.KindTask,
		Status:     status,
		TaskID:     task.ID,
		SessionID:  sessionID,
		Name:       task.Name,
		Error:      end.Error,
		DurationMs: end.CompletedAt.Sub(startedAt).Milliseconds(),
	})
}

func (r *Runner) emit(ctx context.Context, event observe.Event) {
	event.Normalize()
	_ = r.observer.Emit(ctx, event)
}

func primaryGroup(groups []string) string {
	for _, g := range groups {
		if g = strings.TrimSpace(g); g != "" {
			return g
		}
	}
	return ""
}
