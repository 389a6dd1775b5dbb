package target

import (
	"context"
	"errors"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// Pool is a bounded connection pool. Acquire blocks while the pool is at
// its concurrency ceiling, so the pool size caps in-flight operations
// regardless of how many tasks are running.
type Pool struct {
	clients chan Client
	done    chan struct{}
}

// NewPool creates a pool holding size clients produced by the factory.
func NewPool(size int, factory func() Client) *Pool {
	if size <= 0 {
		size = 1
	}
	clients := make(chan Client, size)
	for i := 0; i < size; i++ {
		clients <- factory()
	}
	return &Pool{clients: clients, done: make(chan struct{})}
}

// Acquire checks out a client, blocking until one is free.
func (p *Pool) Acquire(ctx context.Context) (Client, error) {
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}
	select {
	case c := <-p.clients:
		return c, nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a client to the pool.
func (p *Pool) Release(c Client) {
	select {
	case p.clients <- c:
	default:
		// Pool already full, drop the extra client.
	}
}

// Close unblocks all waiters.
func (p *Pool) Close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}
