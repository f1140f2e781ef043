package tts

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestGateSerializes(t *testing.T) {
	g := NewGate()
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := g.Acquire(context.Background()); err != nil {
			t.Errorf("second acquire: %v", err)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while gate is held")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never granted after release")
	}
	g.Release()
}

func TestGateFIFOOrder(t *testing.T) {
	g := NewGate()
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	const waiters = 5
	var mu sync.Mutex
	var order []int
	ready := make(chan struct{}, waiters)
	done := make(chan struct{}, waiters)

	for i := 0; i < waiters; i++ {
		i := i
		go func() {
			// Stagger arrivals so queue order is deterministic.
			time.Sleep(time.Duration(i*20) * time.Millisecond)
			ready <- struct{}{}
			if err := g.Acquire(context.Background()); err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			g.Release()
			done <- struct{}{}
		}()
	}

	for i := 0; i < waiters; i++ {
		<-ready
	}
	time.Sleep(150 * time.Millisecond) // let the last arrival enqueue
	g.Release()
	for i := 0; i < waiters; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("waiter starved")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestGateAcquireCancelledWhileQueued(t *testing.T) {
	g := NewGate()
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Acquire(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}

	// The departed waiter must not consume the next grant.
	g.Release()
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("gate wedged after cancelled waiter: %v", err)
	}
	g.Release()
}
