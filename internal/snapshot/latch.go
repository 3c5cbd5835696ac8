package snapshot

import (
	"context"
	"sync"
)

// latch is a single-value watch: the first resolve wins, and any number
// of waiters observe the same result.
type latch struct {
	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

func newLatch() *latch {
	return &latch{done: make(chan struct{})}
}

func (l *latch) resolve(result Result, err error) {
	l.once.Do(func() {
		l.result = result
		l.err = err
		close(l.done)
	})
}

func (l *latch) wait(ctx context.Context) (Result, error) {
	select {
	case <-l.done:
		return l.result, l.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
