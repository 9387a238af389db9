package observe

import (
	"context"
	"sync"
)

// Sink receives execution telemetry. Implementations must tolerate concurrent
// calls from parallel task runs.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type NoopSink struct{}

func (NoopSink) Emit(context.Context, Event) error { return nil }

type multiSink []Sink

// NewMultiSink fans each event out to the given sinks in order, stopping at
// the first failure. Nil sinks are skipped.
func NewMultiSink(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return NoopSink{}
	case 1:
		return out[0]
	default:
		return out
	}
}

func (m multiSink) Emit(ctx context.Context, event Event) error {
	for _, sink := range m {
		if err := sink.Emit(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// AsyncSink keeps telemetry off the execution hot path. Emit never blocks: a
// full queue drops the event, and emitting after Close is a silent no-op, so
// shutdown ordering between the sink and its producers does not matter.
type AsyncSink struct {
	downstream Sink
	queue      chan Event
	drained    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsyncSink(downstream Sink, buffer int) *AsyncSink {
	if downstream == nil {
		downstream = NoopSink{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		downstream: downstream,
		queue:      make(chan Event, buffer),
		drained:    make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *AsyncSink) Emit(ctx context.Context, event Event) error {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	event.Normalize()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.queue <- event:
	default:
	}
	return nil
}

// Close stops accepting events and waits for queued ones to flush.
func (s *AsyncSink) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.drained
}

func (s *AsyncSink) drain() {
	defer close(s.drained)
	for event := range s.queue {
		_ = s.downstream.Emit(context.Background(), event)
	}
}
