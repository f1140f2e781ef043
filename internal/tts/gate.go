package tts

import (
	"context"
	"sync"
)

// Gate serializes access to the shared synthesis model. Waiters are
// granted the gate in FIFO arrival order; a waiter that gives up (context
// cancelled) is removed from the queue without blocking the others.
type Gate struct {
	mu    sync.Mutex
	busy  bool
	queue []chan struct{}
}

func NewGate() *Gate {
	return &Gate{}
}

// Acquire blocks until the caller holds the gate or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if !g.busy {
		g.busy = true
		g.mu.Unlock()
		return nil
	}
	grant := make(chan struct{})
	g.queue = append(g.queue, grant)
	g.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, ch := range g.queue {
			if ch == grant {
				g.queue = append(g.queue[:i], g.queue[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		g.mu.Unlock()
		// The grant raced the cancellation; pass it on so the gate
		// does not deadlock.
		<-grant
		g.Release()
		return ctx.Err()
	}
}

// Release hands the gate to the oldest waiter, or marks it free.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queue) > 0 {
		next := g.queue[0]
		g.queue = g.queue[1:]
		close(next)
		return
	}
	g.busy = false
}
