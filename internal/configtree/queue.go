package configtree

import (
	"context"
	"sync"
)

// publishQueue is an unbounded FIFO drained by one goroutine. Pushing never
// blocks, so callbacks running on the queue may publish further work.
type publishQueue struct {
	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}
}

func newPublishQueue() *publishQueue {
	return &publishQueue{wake: make(chan struct{}, 1)}
}

func (q *publishQueue) push(fn func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *publishQueue) run(ctx context.Context) {
	for {
		q.mu.Lock()
		tasks := q.tasks
		q.tasks = nil
		q.mu.Unlock()

		for _, fn := range tasks {
			fn()
		}
		if len(tasks) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}
