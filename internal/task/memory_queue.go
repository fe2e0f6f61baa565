package task

import (
	"context"
	"sync"

	xerrors "github.com/AgentZ2077/game/internal/errors"
)

// MemoryQueue is a channel backed queue for single process deployments
// and tests. The id channel is never closed; done signals shutdown.
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue creates a queue buffering up to size ids.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish enqueues taskID, blocking while the buffer is full. A blocked
// Publish returns as soon as the queue is closed.
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return errQueueClosed()
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return errQueueClosed()
	case q.ch <- taskID:
		return nil
	}
}

func errQueueClosed() error {
	return xerrors.New(xerrors.CodeQueueFailure, "queue closed")
}

// Consume runs workerCount workers until ctx is cancelled or the queue is
// closed. After Close the workers drain the buffered ids before returning.
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case taskID := <-q.ch:
					_ = handler(ctx, taskID)
				case <-q.done:
					q.drain(ctx, handler)
					return
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) drain(ctx context.Context, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case taskID := <-q.ch:
			_ = handler(ctx, taskID)
		default:
			return
		}
	}
}

// Close stops accepting ids and lets consumers drain. It never blocks.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
