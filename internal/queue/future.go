package queue

import (
	"context"
	"sync"

	"github.com/pump-control/pcc/internal/pump"
)

// Future is a single-shot holder for a command result.
type Future struct {
	once sync.Once
	done chan struct{}
	res  pump.EnactResult
}

// NewFuture returns an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Sink returns a Callback resolving the future. Only the first call counts.
func (f *Future) Sink() Callback {
	return func(res pump.EnactResult) {
		f.once.Do(func() {
			f.res = res
			close(f.done)
		})
	}
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the result and whether it is available.
func (f *Future) Result() (pump.EnactResult, bool) {
	select {
	case <-f.done:
		return f.res, true
	default:
		return pump.EnactResult{}, false
	}
}

// Wait blocks until the result is available or ctx is done.
func (f *Future) Wait(ctx context.Context) (pump.EnactResult, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return pump.EnactResult{}, ctx.Err()
	}
}
