package observe

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMultiSink_FansOut(t *testing.T) {
	t.Parallel()

	var first, second int
	sink := NewMultiSink(
		SinkFunc(func(ctx context.Context, event Event) error {
			_ = ctx
			_ = event
			first++
			return nil
		}),
		nil,
		SinkFunc(func(ctx context.Context, event Event) error {
			_ = ctx
			_ = event
			second++
			return nil
		}),
	)

	if err := sink.Emit(context.Background(), Event{Kind: KindTask}); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if first != 1 || second != 1 {
		t.Fatalf("expected both sinks to receive the event, got %d and %d", first, second)
	}
}

func TestMultiSink_StopsOnError(t *testing.T) {
	t.Parallel()

	emitErr := errors.New("sink failure")
	var second int
	sink := NewMultiSink(
		SinkFunc(func(ctx context.Context, event Event) error {
			_ = ctx
			_ = event
			return emitErr
		}),
		SinkFunc(func(ctx context.Context, event Event) error {
			_ = ctx
			_ = event
			second++
			return nil
		}),
	)

	if err := sink.Emit(context.Background(), Event{}); !errors.Is(err, emitErr) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if second != 0 {
		t.Fatal("later sinks must not run after a failure")
	}
}

func TestEvent_Normalize(t *testing.T) {
	t.Parallel()

	var event Event
	event.Normalize()
	if event.Timestamp.IsZero() {
		t.Fatal("normalize must stamp the event")
	}
	if event.Kind != KindCustom {
		t.Fatalf("expected custom kind default, got %q", event.Kind)
	}
	if event.Attributes == nil {
		t.Fatal("normalize must allocate attributes")
	}
}

func TestAsyncSink_DropsUnderPressureInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	blocked := make(chan struct{})
	downstream := SinkFunc(func(ctx context.Context, event Event) error {
		_ = ctx
		_ = event
		<-blocked
		return nil
	})

	sink := NewAsyncSink(downstream, 1)
	defer sink.Close()
	defer close(blocked)

	// With the worker blocked, overfilling the queue must not block Emit.
	for i := 0; i < 10; i++ {
		if err := sink.Emit(context.Background(), Event{Kind: KindTool}); err != nil {
			t.Fatalf("emit %d failed: %v", i, err)
		}
	}
}

func TestAsyncSink_EmitAfterCloseIsDropped(t *testing.T) {
	t.Parallel()

	var seen int
	sink := NewAsyncSink(SinkFunc(func(ctx context.Context, event Event) error {
		_ = ctx
		_ = event
		seen++
		return nil
	}), 4)

	sink.Close()
	sink.Close()

	if err := sink.Emit(context.Background(), Event{Kind: KindTask}); err != nil {
		t.Fatalf("emit after close must be a no-op, got %v", err)
	}
	if seen != 0 {
		t.Fatalf("no event must reach the downstream after close, got %d", seen)
	}
}

func TestAsyncSink_CloseFlushesQueuedEvents(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var count int
	sink := NewAsyncSink(SinkFunc(func(ctx context.Context, event Event) error {
		_ = ctx
		_ = event
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}), 8)

	for i := 0; i < 5; i++ {
		if err := sink.Emit(context.Background(), Event{Kind: KindCustom}); err != nil {
			t.Fatalf("emit %d failed: %v", i, err)
		}
	}
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Fatalf("close must flush queued events, delivered %d of 5", count)
	}
}
