// Package delivery abstracts the outbound messaging transport. The execution
// core only needs "send this text to that named destination"; adapters own
// connection details.
package delivery

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type Sink interface {
	Send(ctx context.Context, destination, text string) error
}

type SinkFunc func(ctx context.Context, destination, text string) error

func (f SinkFunc) Send(ctx context.Context, destination, text string) error {
	if f == nil {
		return fmt.Errorf("delivery sink is not configured")
	}
	return f(ctx, destination, text)
}

type NoopSink struct{}

func (NoopSink) Send(ctx context.Context, destination, text string) error {
	_ = ctx
	_ = destination
	_ = text
	return nil
}

// RateLimited wraps a sink with a token bucket so a chatty agent cannot flood
// the transport.
type RateLimited struct {
	sink    Sink
	limiter *rate.Limiter
}

func NewRateLimited(sink Sink, perSecond float64, burst int) *RateLimited {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{
		sink:    sink,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (r *RateLimited) Send(ctx context.Context, destination, text string) error {
	if r == nil || r.sink == nil {
		return fmt.Errorf("delivery sink is not configured")
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait canceled: %w", err)
	}
	return r.sink.Send(ctx, destination, text)
}
