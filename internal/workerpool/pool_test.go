package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitAndDrain(t *testing.T) {
	p := New("test", 2, 10)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		if err := p.Submit(func() { count.Add(1) }); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if got := count.Load(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestSubmitAfterStopReturnsErrStopped(t *testing.T) {
	p := New("test", 1, 1)
	p.StopAccepting()

	if err := p.Submit(func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after stop = %v, want ErrStopped", err)
	}
	if err := p.SubmitWait(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("SubmitWait after stop = %v, want ErrStopped", err)
	}
	p.Drain(context.Background())
}

func TestQueueFull(t *testing.T) {
	p := New("test", 1, 1)
	blocker := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-blocker
	})
	<-started

	if err := p.Submit(func() {}); err != nil {
		t.Fatalf("Submit into empty queue: %v", err)
	}
	if err := p.Submit(func() {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit into full queue = %v, want ErrQueueFull", err)
	}

	close(blocker)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Drain(ctx)
}

func TestSubmitWaitBlocksUntilSpace(t *testing.T) {
	p := New("test", 1, 1)
	blocker := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-blocker
	})
	<-started
	p.Submit(func() {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.SubmitWait(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SubmitWait = %v, want deadline exceeded", err)
	}

	var ran atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.SubmitWait(context.Background(), func() { ran.Store(true) })
	}()
	close(blocker)
	if err := <-errCh; err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}

	p.Drain(context.Background())
	if !ran.Load() {
		t.Fatal("waited task did not run")
	}
}

func TestSingleWorkerPreservesOrder(t *testing.T) {
	p := New("serial", 1, 100)
	var mu sync.Mutex
	var got []int

	for i := 0; i < 50; i++ {
		i := i
		if err := p.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	p.Drain(context.Background())

	for i, v := range got {
		if v != i {
			t.Fatalf("order broken at %d: got %d", i, v)
		}
	}
	if len(got) != 50 {
		t.Fatalf("ran %d tasks, want 50", len(got))
	}
}

func TestPanicRecovery(t *testing.T) {
	p := New("test", 1, 10)
	var after atomic.Bool

	p.Submit(func() { panic("boom") })
	p.Submit(func() { after.Store(true) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Drain(ctx)

	if !after.Load() {
		t.Fatal("task after panic did not run")
	}
}

func TestDrainTimeout(t *testing.T) {
	p := New("test", 1, 1)
	blocker := make(chan struct{})
	defer close(blocker)
	p.Submit(func() { <-blocker })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain = %v, want deadline exceeded", err)
	}
}
