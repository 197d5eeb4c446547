package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"mediad/pkg/chain"
	"mediad/pkg/value"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Stopped()
	})
	return l
}

func TestPostRunsInOrder(t *testing.T) {
	l := startLoop(t)

	var (
		mu  sync.Mutex
		got []int
	)
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	for i, v := range got {
		if v != i {
			t.Fatalf("posted functions ran out of order at %d: %d", i, v)
		}
	}
}

func TestPostFromLoopDoesNotBlock(t *testing.T) {
	l := startLoop(t)

	done := make(chan struct{})
	if err := l.Do(context.Background(), func() {
		l.Post(func() { close(done) })
	}); err != nil {
		t.Fatalf("do: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("nested post never ran")
	}
}

func TestPanicDoesNotStopLoop(t *testing.T) {
	l := startLoop(t)

	l.Post(func() { panic("boom") })
	ran := false
	if err := l.Do(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("do: %v", err)
	}
	if !ran {
		t.Fatalf("loop should keep running after a panic")
	}
}

func TestChainStepsRunOnLoop(t *testing.T) {
	l := startLoop(t)

	c := chain.New(func(_ context.Context, done chain.Done) {
		go done(value.Int32(1), nil)
	}).ThenFunc(func(_ context.Context, prev value.Value) (value.Value, error) {
		n, _ := prev.Int32()
		return value.Int32(n + 1), nil
	})

	if err := l.Do(context.Background(), func() {
		_ = c.Start(context.Background(), l)
	}); err != nil {
		t.Fatalf("do: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatalf("chain did not complete on the loop")
	}
	v, err := c.Result()
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if n, _ := v.Int32(); n != 2 {
		t.Fatalf("unexpected result %s", v)
	}
}

func TestDoAfterStopFails(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	cancel()
	<-l.Stopped()

	if err := l.Do(context.Background(), func() {}); err == nil {
		t.Fatalf("do on a stopped loop should fail")
	}
}
