package chain

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediad/pkg/value"
)

// loopExecutor is a single goroutine draining posted functions, like the
// daemon event loop.
type loopExecutor struct {
	ch chan func()
}

func newLoopExecutor(t *testing.T) *loopExecutor {
	e := &loopExecutor{ch: make(chan func(), 64)}
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case fn := <-e.ch:
				fn()
			case <-stop:
				return
			}
		}
	}()
	t.Cleanup(func() { close(stop) })
	return e
}

func (e *loopExecutor) Post(fn func()) { e.ch <- fn }

func asyncOp(delay time.Duration, v value.Value, err error) Op {
	return func(_ context.Context, done Done) {
		go func() {
			time.Sleep(delay)
			done(v, err)
		}()
	}
}

func TestStepsRunInOrder(t *testing.T) {
	t.Parallel()

	const steps = 8
	var (
		mu    sync.Mutex
		order []int
	)
	rng := rand.New(rand.NewSource(1))
	delays := make([]time.Duration, steps)
	for i := range delays {
		delays[i] = time.Duration(rng.Intn(5)) * time.Millisecond
	}

	c := New(asyncOp(delays[0], value.Int32(0), nil))
	for i := 1; i < steps; i++ {
		i := i
		c.Then(func(prev value.Value) Op {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			n, _ := prev.Int32()
			return asyncOp(delays[i], value.Int32(n+1), nil)
		})
	}

	exec := newLoopExecutor(t)
	if err := c.Start(context.Background(), exec); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("chain did not finish")
	}

	v, err := c.Result()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, _ := v.Int32(); n != steps-1 {
		t.Fatalf("unexpected final value %s", v)
	}
	for i, got := range order {
		if got != i+1 {
			t.Fatalf("steps ran out of order: %v", order)
		}
	}
	if c.State().Phase != PhaseCompleted {
		t.Fatalf("unexpected state %s", c.State())
	}
	if c.Start(context.Background(), exec) != ErrStarted {
		t.Fatalf("second start must fail")
	}
}

func TestFailureShortCircuits(t *testing.T) {
	t.Parallel()

	errDetails := errors.New("details unavailable")
	var formatted atomic.Bool
	var handled atomic.Int32

	fetchIDs := asyncOp(time.Millisecond, value.List(value.UInt32(7), value.UInt32(9)), nil)
	fetchDetails := func(args ...value.Value) Op {
		return asyncOp(time.Millisecond, value.None(), errDetails)
	}

	c := New(fetchIDs, WithErrorHandler(func(string, error) { handled.Add(1) })).
		Then(func(prev value.Value) Op {
			first, _ := prev.Index(0)
			return Bind(fetchDetails, Lit(first))(prev)
		}).
		ThenFunc(func(_ context.Context, prev value.Value) (value.Value, error) {
			formatted.Store(true)
			return value.String(prev.String()), nil
		})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Wait(ctx)
	if !errors.Is(err, errDetails) {
		t.Fatalf("expected details failure, got %v", err)
	}
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Index != 1 {
		t.Fatalf("expected failure at step 1, got %v", err)
	}
	if formatted.Load() {
		t.Fatalf("formatting step must not run after a failure")
	}
	if handled.Load() != 1 {
		t.Fatalf("error handler should run once, got %d", handled.Load())
	}
	if c.State().Phase != PhaseFailed {
		t.Fatalf("unexpected state %s", c.State())
	}
}

func TestBindSubstitutesPrevious(t *testing.T) {
	t.Parallel()

	var seen []value.Value
	step := Bind(func(args ...value.Value) Op {
		seen = args
		return Immediate(value.None(), nil)
	}, Lit(value.String("channel")), Prev, Lit(value.Int32(5)))

	c := New(Immediate(value.Int32(40), nil)).Then(step)
	if _, err := c.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(seen) != 3 || !value.Equal(seen[1], value.Int32(40)) {
		t.Fatalf("placeholder not substituted: %v", seen)
	}
	if s, _ := seen[0].Str(); s != "channel" {
		t.Fatalf("literal lost: %v", seen)
	}
}

func TestDuplicateCompletionIgnored(t *testing.T) {
	t.Parallel()

	var steps atomic.Int32
	c := New(func(_ context.Context, done Done) {
		done(value.Int32(1), nil)
		done(value.Int32(2), nil)
	}).ThenFunc(func(_ context.Context, prev value.Value) (value.Value, error) {
		steps.Add(1)
		return prev, nil
	})

	v, err := c.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if n, _ := v.Int32(); n != 1 || steps.Load() != 1 {
		t.Fatalf("duplicate completion leaked: value %s, steps %d", v, steps.Load())
	}
}

func TestCancelledContextStopsAtBoundary(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var second atomic.Bool
	c := New(func(_ context.Context, done Done) {
		cancel()
		done(value.None(), nil)
	}).ThenFunc(func(context.Context, value.Value) (value.Value, error) {
		second.Store(true)
		return value.None(), nil
	})

	exec := newLoopExecutor(t)
	if err := c.Start(ctx, exec); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-c.Done()
	_, err := c.Result()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if second.Load() {
		t.Fatalf("step after cancellation must not run")
	}
}

func TestPanicInStepFailsChain(t *testing.T) {
	t.Parallel()

	c := New(Immediate(value.None(), nil)).Then(func(value.Value) Op {
		panic("bad step")
	})
	if _, err := c.Wait(context.Background()); err == nil {
		t.Fatalf("expected failure from panicking step")
	}
}

func TestWaitDetachesOnTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	c := New(func(_ context.Context, done Done) {
		go func() {
			<-release
			done(value.Int32(1), nil)
		}()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	close(release)
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatalf("detached chain should still finish")
	}
}
