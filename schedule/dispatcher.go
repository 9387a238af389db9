package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/groupherald/herald/observe"
	"github.com/groupherald/herald/store"
)

const (
	// DefaultPollInterval is how often the dispatcher scans for due tasks.
	DefaultPollInterval = 30 * time.Second
	// DefaultInitialDelay pushes the first scan past process startup so
	// dependent services finish coming up before tasks fire.
	DefaultInitialDelay = 5 * time.Second
)

// Executor runs one task end to end. Implementations contain their own
// failures: a returned error means that run failed, never that the dispatcher
// should stop scanning.
type Executor interface {
	Execute(ctx context.Context, taskID string) error
}

// Dispatcher periodically scans active tasks, evaluates due-ness, and hands
// each due task to the executor on its own goroutine. It holds no per-run
// state beyond the lock registry.
type Dispatcher struct {
	tasks    store.TaskStore
	eval     *Evaluator
	locks    *LockRegistry
	exec     Executor
	interval time.Duration
	delay    time.Duration
	logger   zerolog.Logger
	observer observe.Sink

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

func WithInitialDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if delay >= 0 {
			d.delay = delay
		}
	}
}

func WithEvaluator(eval *Evaluator) DispatcherOption {
	return func(d *Dispatcher) {
		if eval != nil {
			d.eval = eval
		}
	}
}

func WithLocks(locks *LockRegistry) DispatcherOption {
	return func(d *Dispatcher) {
		if locks != nil {
			d.locks = locks
		}
	}
}

func WithLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithDispatchObserver(observer observe.Sink) DispatcherOption {
	return func(d *Dispatcher) {
		if observer != nil {
			d.observer = observer
		}
	}
}

func NewDispatcher(tasks store.TaskStore, exec Executor, opts ...DispatcherOption) (*Dispatcher, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}

	d := &Dispatcher{
		tasks:    tasks,
		eval:     NewEvaluator(),
		locks:    NewLockRegistry(),
		exec:     exec,
		interval: DefaultPollInterval,
		delay:    DefaultInitialDelay,
		logger:   zerolog.Nop(),
		observer: observe.NoopSink{},
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start launches the poll loop. It returns immediately; Stop shuts the loop
// down and waits for in-flight runs.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.loop(ctx)
	})
}

func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	select {
	case <-time.After(d.delay):
	case <-d.stop:
		return
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.scan(ctx)
	for {
		select {
		case <-ticker.C:
			d.scan(ctx)
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// scan runs one dispatch pass. A failure on one task never aborts the scan of
// the remaining tasks.
func (d *Dispatcher) scan(ctx context.Context) {
	now := time.Now()
	d.locks.Sweep()

	tasks, err := d.tasks.ListActiveTasks(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to list active tasks")
		return
	}
	d.logger.Debug().Int("tasks", len(tasks)).Msg("scanning for due tasks")

	for _, task := range tasks {
		due, err := d.eval.IsDue(task.Trigger, task.LastRun, now)
		if err != nil {
			d.logger.Error().Err(err).Str("task_id", task.ID).Str("task", task.Name).Msg("trigger evaluation failed")
			continue
		}
		if !due {
			continue
		}
		if !d.locks.TryAcquire(task.ID) {
			d.logger.Debug().Str("task_id", task.ID).Msg("task already running, skipping")
			continue
		}
		d.dispatch(ctx, task)
	}
}

// dispatch hands one locked task to the executor without blocking the scan.
// The run carries a deadline equal to the lock TTL so a stuck model or tool
// call cannot pin the lock past its own expiry.
func (d *Dispatcher) dispatch(ctx context.Context, task store.Task) {
	d.logger.Info().Str("task_id", task.ID).Str("task", task.Name).Msg("dispatching task")
	d.emit(ctx, observe.Event{
		Kind:   observe.KindDispatch,
		Status: observe.StatusStarted,
		TaskID: task.ID,
		Name:   task.Name,
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error().Str("task_id", task.ID).Any("panic", r).Msg("task execution panicked")
			}
			if released, expired := d.locks.Release(task.ID); released && expired {
				d.logger.Warn().Str("task_id", task.ID).Dur("ttl", d.locks.TTL()).
					Msg("run outlived its lock; a concurrent run of this task may have started")
			}
		}()

		runCtx, cancel := context.WithTimeout(ctx, d.locks.TTL())
		defer cancel()

		started := time.Now()
		err := d.exec.Execute(runCtx, task.ID)
		event := observe.Event{
			Kind:       observe.KindDispatch,
			Status:     observe.StatusCompleted,
			TaskID:     task.ID,
			Name:       task.Name,
			DurationMs: time.Since(started).Milliseconds(),
		}
		if err != nil {
			event.Status = observe.StatusFailed
			event.Error = err.Error()
			d.logger.Error().Err(err).Str("task_id", task.ID).Str("task", task.Name).Msg("task execution failed")
		} else {
			d.logger.Info().Str("task_id", task.ID).Str("task", task.Name).
				Dur("duration", time.Since(started)).Msg("task execution completed")
		}
		d.emit(ctx, event)
	}()
}

func (d *Dispatcher) emit(ctx context.Context, event observe.Event) {
	event.Normalize()
	_ = d.observer.Emit(ctx, event)
}
