// Package chain composes dependent asynchronous operations into one unit of
// work. A chain has at most one operation outstanding; the result of step i
// is handed to step i+1 only after step i completed, and the first failure
// skips every remaining step.
//
// Completions may arrive on any goroutine. They are handed to the chain's
// Executor, so step transitions always run on the executor (normally the
// daemon event loop).
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"mediad/pkg/logger"
	"mediad/pkg/value"
)

// Done delivers the outcome of an operation. Only the first call counts.
type Done func(v value.Value, err error)

// Op issues an asynchronous operation and eventually calls done.
type Op func(ctx context.Context, done Done)

// Step turns the previous result into the next operation.
type Step func(prev value.Value) Op

// Executor runs posted functions one at a time on its own goroutine.
type Executor interface {
	Post(fn func())
}

// Phase is the coarse state of a chain.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaiting
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaiting:
		return "awaiting"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the phase plus, while awaiting, the index of the outstanding step.
type State struct {
	Phase Phase
	Step  int
}

func (s State) String() string {
	if s.Phase == PhaseAwaiting {
		return fmt.Sprintf("awaiting(%d)", s.Step)
	}
	return s.Phase.String()
}

// StepError reports which step failed.
type StepError struct {
	Index int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("chain step %d: %v", e.Index, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ErrStarted is returned when a chain is started twice.
var ErrStarted = errors.New("chain: already started")

// Option configures a Chain.
type Option func(*Chain)

// WithErrorHandler replaces the default log-and-drop failure path.
func WithErrorHandler(fn func(id string, err error)) Option {
	return func(c *Chain) {
		if fn != nil {
			c.onError = fn
		}
	}
}

// WithResultHandler is called with the final value of a completed chain.
func WithResultHandler(fn func(v value.Value)) Option {
	return func(c *Chain) {
		c.onResult = fn
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) {
		if l != nil {
			c.log = l
		}
	}
}

// Chain is a sequence of dependent operations.
type Chain struct {
	id       string
	first    Op
	steps    []Step
	onError  func(id string, err error)
	onResult func(v value.Value)
	log      *slog.Logger

	mu     sync.Mutex
	state  State
	result value.Value
	err    error
	done   chan struct{}
}

// New creates a chain whose first operation is first.
func New(first Op, opts ...Option) *Chain {
	c := &Chain{
		id:    uuid.NewString(),
		first: first,
		log:   logger.Named("chain"),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.onError == nil {
		c.onError = func(id string, err error) {
			c.log.Warn("chain failed", slog.String("chain", id), slog.Any("error", err))
		}
	}
	return c
}

// ID returns the chain identifier used in logs.
func (c *Chain) ID() string { return c.id }

// Then appends a step. Steps must be added before Start.
func (c *Chain) Then(step Step) *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != PhaseIdle {
		panic("chain: Then after Start")
	}
	c.steps = append(c.steps, step)
	return c
}

// ThenFunc appends a step that completes synchronously.
func (c *Chain) ThenFunc(fn func(ctx context.Context, prev value.Value) (value.Value, error)) *Chain {
	return c.Then(func(prev value.Value) Op {
		return func(ctx context.Context, done Done) {
			done(fn(ctx, prev))
		}
	})
}

// Len returns the number of operations, the first one included.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.steps) + 1
}

// State returns the current state.
func (c *Chain) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the chain completed or failed.
func (c *Chain) Done() <-chan struct{} { return c.done }

// Result returns the terminal value and error. It is only meaningful after
// Done is closed.
func (c *Chain) Result() (value.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

// Start issues the first operation. Completions are handed to exec.
func (c *Chain) Start(ctx context.Context, exec Executor) error {
	c.mu.Lock()
	if c.state.Phase != PhaseIdle {
		c.mu.Unlock()
		return ErrStarted
	}
	c.state = State{Phase: PhaseAwaiting}
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		c.fail(0, err)
		return nil
	}
	c.issue(ctx, exec, 0, c.first)
	return nil
}

// Wait runs the chain and blocks until it finishes. An idle chain is started
// with the calling goroutine as its executor. A chain already started
// elsewhere is only waited for; calling Wait on that chain's own executor
// goroutine deadlocks.
//
// If ctx ends first, Wait returns the context error. The chain keeps running
// detached and fails at its next step boundary.
func (c *Chain) Wait(ctx context.Context) (value.Value, error) {
	var q *inlineExecutor
	if c.State().Phase == PhaseIdle {
		q = newInlineExecutor()
		if err := c.Start(ctx, q); err != nil {
			q = nil
		}
	}
	for {
		var ready <-chan struct{}
		if q != nil {
			ready = q.ready
		}
		select {
		case <-c.done:
			if q != nil {
				q.detach()
			}
			return c.Result()
		case <-ready:
			q.drain()
		case <-ctx.Done():
			if q != nil {
				q.detach()
			}
			select {
			case <-c.done:
				return c.Result()
			default:
			}
			return value.None(), ctx.Err()
		}
	}
}

func (c *Chain) issue(ctx context.Context, exec Executor, index int, op Op) {
	if op == nil {
		c.fail(index, errors.New("nil operation"))
		return
	}
	c.mu.Lock()
	c.state = State{Phase: PhaseAwaiting, Step: index}
	c.mu.Unlock()

	var once sync.Once
	done := func(v value.Value, err error) {
		delivered := false
		once.Do(func() {
			delivered = true
			exec.Post(func() { c.complete(ctx, exec, index, v, err) })
		})
		if !delivered {
			c.log.Debug("duplicate completion ignored", slog.String("chain", c.id), slog.Int("step", index))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			done(value.None(), fmt.Errorf("operation panicked: %v", r))
		}
	}()
	op(ctx, done)
}

func (c *Chain) complete(ctx context.Context, exec Executor, index int, v value.Value, err error) {
	if err != nil {
		c.fail(index, err)
		return
	}

	c.mu.Lock()
	last := index >= len(c.steps)
	var next Step
	if !last {
		next = c.steps[index]
	}
	c.mu.Unlock()

	if last {
		c.finish(v)
		return
	}
	if err := ctx.Err(); err != nil {
		c.fail(index+1, err)
		return
	}

	op, err := build(next, v)
	if err != nil {
		c.fail(index+1, err)
		return
	}
	c.issue(ctx, exec, index+1, op)
}

func build(step Step, prev value.Value) (op Op, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return step(prev), nil
}

func (c *Chain) finish(v value.Value) {
	c.mu.Lock()
	c.state = State{Phase: PhaseCompleted}
	c.result = v
	c.mu.Unlock()
	if c.onResult != nil {
		c.onResult(v)
	}
	close(c.done)
}

func (c *Chain) fail(index int, err error) {
	stepErr := &StepError{Index: index, Err: err}
	c.mu.Lock()
	c.state = State{Phase: PhaseFailed, Step: index}
	c.result = value.None()
	c.err = stepErr
	c.mu.Unlock()
	c.onError(c.id, stepErr)
	close(c.done)
}

// inlineExecutor queues posted functions for the goroutine blocked in Wait.
// Once detached it runs them on the posting goroutine instead.
type inlineExecutor struct {
	mu       sync.Mutex
	queue    []func()
	ready    chan struct{}
	detached bool
}

func newInlineExecutor() *inlineExecutor {
	return &inlineExecutor{ready: make(chan struct{}, 1)}
}

func (e *inlineExecutor) Post(fn func()) {
	e.mu.Lock()
	if e.detached {
		e.mu.Unlock()
		fn()
		return
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
	select {
	case e.ready <- struct{}{}:
	default:
	}
}

func (e *inlineExecutor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		fn()
	}
}

func (e *inlineExecutor) detach() {
	e.mu.Lock()
	e.detached = true
	pending := e.queue
	e.queue = nil
	e.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}
