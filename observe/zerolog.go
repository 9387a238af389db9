package observe

import (
	"context"

	"github.com/rs/zerolog"
)

// ZerologSink writes events to a structured logger. Failed events log at
// error level, everything else at debug so routine telemetry stays quiet.
type ZerologSink struct {
	log zerolog.Logger
}

func NewZerologSink(log zerolog.Logger) *ZerologSink {
	return &ZerologSink{log: log}
}

func (s *ZerologSink) Emit(ctx context.Context, event Event) error {
	_ = ctx
	if s == nil {
		return nil
	}
	event.Normalize()

	var e *zerolog.Event
	if event.Status == StatusFailed {
		e = s.log.Error()
	} else {
		e = s.log.Debug()
	}
	e = e.Str("kind", string(event.Kind)).Str("name", event.Name)
	if event.Status != "" {
		e = e.Str("status", string(event.Status))
	}
	if event.TaskID != "" {
		e = e.Str("task_id", event.TaskID)
	}
	if event.SessionID != "" {
		e = e.Str("session_id", event.SessionID)
	}
	if event.ToolName != "" {
		e = e.Str("tool", event.ToolName)
	}
	if event.Provider != "" {
		e = e.Str("provider", event.Provider)
	}
	if event.DurationMs > 0 {
		e = e.Int64("duration_ms", event.DurationMs)
	}
	if event.Error != "" {
		e = e.Str("err", event.Error)
	}
	e.Msg(event.Message)
	return nil
}
