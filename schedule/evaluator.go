// Package schedule decides when tasks run and keeps concurrent runs of the
// same task from overlapping.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultMinInterval is the idempotency guard between runs of one task. The
// dispatcher polls far more often than the minute granularity of a trigger,
// so a bare cron match would fire on every poll tick inside the matching
// minute. The guard assumes no task is legitimately scheduled more often than
// hourly; sub-hourly triggers are under-served by this policy.
const DefaultMinInterval = time.Hour

// Evaluator answers whether a task is due. It is pure: no clock, no I/O.
type Evaluator struct {
	minInterval time.Duration
}

type EvaluatorOption func(*Evaluator)

func WithMinInterval(interval time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		if interval > 0 {
			e.minInterval = interval
		}
	}
}

func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{minInterval: DefaultMinInterval}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsDue reports whether a task with the given five-field cron trigger should
// run at now. A malformed trigger is an error, never a silent skip. When the
// trigger matches the current minute, a nil lastRun means first-ever run and
// is always due; otherwise the idempotency guard requires more than the
// minimum interval since lastRun.
func (e *Evaluator) IsDue(trigger string, lastRun *time.Time, now time.Time) (bool, error) {
	sched, err := cron.ParseStandard(strings.TrimSpace(trigger))
	if err != nil {
		return false, fmt.Errorf("invalid trigger %q: %w", trigger, err)
	}

	// Schedules activate at second zero of a matching minute, so the trigger
	// matches the minute containing now iff the next activation strictly
	// after one second before the minute start lands exactly on it.
	minuteStart := now.Truncate(time.Minute)
	if !sched.Next(minuteStart.Add(-time.Second)).Equal(minuteStart) {
		return false, nil
	}
	if lastRun == nil {
		return true, nil
	}
	return now.Sub(*lastRun) > e.minInterval, nil
}
