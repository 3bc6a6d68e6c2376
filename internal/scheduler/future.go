package scheduler

import (
	"context"
	"sync"
)

// Result is the outcome of one submitted request.
type Result struct {
	Value any
	Err   error
}

// Future resolves once the request has run, been cancelled, or been rejected.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the request completes.
func (f *Future) Result() Result {
	<-f.done
	return f.result
}

// Wait blocks until the request completes or ctx is done. A ctx expiry here
// only stops waiting; the request itself keeps its own context.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result.Value, f.result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) complete(r Result) bool {
	completed := false
	f.once.Do(func() {
		f.result = r
		close(f.done)
		completed = true
	})
	return completed
}
