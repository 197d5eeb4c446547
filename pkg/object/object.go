// Package object provides the refcounted base entity behind every
// remote-invokable server component: a typed command table and a table of
// property listeners.
//
// Reference counting is atomic and may be used from any goroutine. The
// command and listener tables are guarded by a mutex but are expected to be
// changed from the event loop only; Emit never holds the lock while a
// listener runs, so listeners may call Listen or Unlisten.
package object

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	apperrors "mediad/internal/errors"
	"mediad/pkg/chain"
	"mediad/pkg/logger"
	"mediad/pkg/value"
)

// CommandID identifies a command within one object.
type CommandID uint32

// Handler implements a command. args already match the declared signature.
type Handler func(ctx context.Context, obj *Object, args []value.Value) (value.Value, error)

// AsyncHandler implements a command whose result is produced later. It
// returns an unstarted chain; the chain's final value is the command result.
type AsyncHandler func(ctx context.Context, obj *Object, args []value.Value) (*chain.Chain, error)

// DestroyFunc runs exactly once, when the last reference is released.
type DestroyFunc func(obj *Object)

// Listener receives property changes together with the user data it was
// registered with.
type Listener func(property string, v value.Value, userData any)

// Command is a registered handler with its signature.
type Command struct {
	Name   string
	Args   []value.Type
	Result value.Type
	Handler
	Async AsyncHandler
}

// Subscription is the handle returned by Listen.
type Subscription struct {
	property string
	fn       Listener
	userData any
	active   atomic.Bool
}

// Property returns the property the subscription listens to.
func (s *Subscription) Property() string { return s.property }

// Active reports whether the subscription is still registered.
func (s *Subscription) Active() bool { return s.active.Load() }

var (
	// ErrNoSuchCommand is returned by Invoke for unknown command ids.
	ErrNoSuchCommand = apperrors.New(apperrors.CodeNoSuchCommand, "")
	// ErrInvalidArguments is returned by Invoke when args do not match the signature.
	ErrInvalidArguments = apperrors.New(apperrors.CodeInvalidArgument, "")
)

// Object is a refcounted entity with commands and property listeners.
type Object struct {
	name    string
	refs    atomic.Int64
	destroy DestroyFunc
	dead    atomic.Bool

	mu        sync.Mutex
	commands  map[CommandID]Command
	listeners map[string][]*Subscription

	log *slog.Logger
}

// New allocates an object holding one reference.
func New(name string, destroy DestroyFunc) *Object {
	o := &Object{
		name:      name,
		destroy:   destroy,
		commands:  make(map[CommandID]Command),
		listeners: make(map[string][]*Subscription),
		log:       logger.Named("object").With(slog.String("object", name)),
	}
	o.refs.Store(1)
	return o
}

// Name returns the name given at construction.
func (o *Object) Name() string { return o.name }

// Ref takes an additional reference.
func (o *Object) Ref() *Object {
	for {
		n := o.refs.Load()
		if n <= 0 {
			panic(fmt.Sprintf("object %s: ref after destroy", o.name))
		}
		if o.refs.CompareAndSwap(n, n+1) {
			return o
		}
	}
}

// Unref releases a reference. The destroy hook runs when the count reaches
// zero. Releasing more references than were taken panics.
func (o *Object) Unref() {
	n := o.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic(fmt.Sprintf("object %s: unref below zero", o.name))
	}
	o.dead.Store(true)
	if o.destroy != nil {
		o.destroy(o)
	}

	o.mu.Lock()
	dangling := 0
	for _, subs := range o.listeners {
		for _, sub := range subs {
			sub.active.Store(false)
		}
		dangling += len(subs)
	}
	o.listeners = nil
	o.commands = nil
	o.mu.Unlock()
	if dangling > 0 {
		o.log.Warn("object destroyed with listeners still registered", slog.Int("listeners", dangling))
	}
}

// Refs returns the current reference count.
func (o *Object) Refs() int64 { return o.refs.Load() }

// Destroyed reports whether the destroy hook has run.
func (o *Object) Destroyed() bool { return o.dead.Load() }

// Register binds handler to id, replacing any earlier registration.
func (o *Object) Register(id CommandID, name string, args []value.Type, result value.Type, handler Handler) {
	sig := make([]value.Type, len(args))
	copy(sig, args)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.commands == nil {
		return
	}
	o.commands[id] = Command{Name: name, Args: sig, Result: result, Handler: handler}
}

// Lookup returns the command registered under id.
func (o *Object) Lookup(id CommandID) (Command, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cmd, ok := o.commands[id]
	return cmd, ok
}

// Commands lists the registered command ids.
func (o *Object) Commands() map[CommandID]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[CommandID]string, len(o.commands))
	for id, cmd := range o.commands {
		out[id] = cmd.Name
	}
	return out
}

// RegisterAsync binds an asynchronous handler to id, replacing any earlier
// registration.
func (o *Object) RegisterAsync(id CommandID, name string, args []value.Type, result value.Type, handler AsyncHandler) {
	sig := make([]value.Type, len(args))
	copy(sig, args)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.commands == nil {
		return
	}
	o.commands[id] = Command{Name: name, Args: sig, Result: result, Async: handler}
}

// Invoke runs command id with args and blocks until its result is known.
// Unknown ids and signature mismatches fail before the handler runs. For an
// asynchronous command the chain is driven by the calling goroutine.
func (o *Object) Invoke(ctx context.Context, id CommandID, args []value.Value) (value.Value, error) {
	result, pending, err := o.Dispatch(ctx, nil, id, args)
	if err != nil || pending == nil {
		return result, err
	}
	result, err = pending.Wait(ctx)
	if err != nil {
		return value.None(), err
	}
	o.CheckResult(id, result)
	return result, nil
}

// Dispatch validates and starts command id. A synchronous command has
// finished when Dispatch returns. An asynchronous command returns its chain,
// already started on exec when exec is non-nil; its result is the chain's.
func (o *Object) Dispatch(ctx context.Context, exec chain.Executor, id CommandID, args []value.Value) (result value.Value, pending *chain.Chain, err error) {
	cmd, ok := o.Lookup(id)
	if !ok {
		return value.None(), nil, apperrors.Newf(apperrors.CodeNoSuchCommand, "no such command %d on %s", id, o.name)
	}
	if !value.Matches(cmd.Args, args) {
		return value.None(), nil, apperrors.New(apperrors.CodeInvalidArgument,
			fmt.Sprintf("%s.%s expects %v, got %v", o.name, cmd.Name, cmd.Args, value.Types(args)))
	}

	defer func() {
		if r := recover(); r != nil {
			o.log.Error("command handler panicked", slog.String("command", cmd.Name), slog.Any("panic", r))
			result, pending = value.None(), nil
			err = apperrors.Newf(apperrors.CodeUnknown, "%s.%s panicked: %v", o.name, cmd.Name, r)
		}
	}()

	if cmd.Async != nil {
		pending, err = cmd.Async(ctx, o, args)
		if err != nil {
			return value.None(), nil, err
		}
		if pending == nil {
			return value.None(), nil, apperrors.Newf(apperrors.CodeChainFailure, "%s.%s returned no chain", o.name, cmd.Name)
		}
		if exec != nil {
			if err := pending.Start(ctx, exec); err != nil {
				return value.None(), nil, apperrors.Wrap(apperrors.CodeChainFailure, err, "start "+cmd.Name)
			}
		}
		return value.None(), pending, nil
	}

	result, err = cmd.Handler(ctx, o, args)
	if err != nil {
		return value.None(), nil, err
	}
	o.CheckResult(id, result)
	return result, nil, nil
}

// CheckResult logs when result does not have the type declared for id.
func (o *Object) CheckResult(id CommandID, result value.Value) {
	cmd, ok := o.Lookup(id)
	if !ok || cmd.Result == value.TypeNone || result.Type() == cmd.Result {
		return
	}
	o.log.Warn("command result does not match declared type",
		slog.String("command", cmd.Name),
		slog.String("declared", cmd.Result.String()),
		slog.String("actual", result.Type().String()))
}

// Listen subscribes fn to property. The returned handle is passed to
// Unlisten; registering the same fn and userData twice yields two handles.
func (o *Object) Listen(property string, fn Listener, userData any) *Subscription {
	sub := &Subscription{property: property, fn: fn, userData: userData}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.listeners == nil {
		o.log.Warn("listen on destroyed object", slog.String("property", property))
		return sub
	}
	sub.active.Store(true)
	o.listeners[property] = append(o.listeners[property], sub)
	return sub
}

// Unlisten removes sub. It reports false if sub was not registered.
func (o *Object) Unlisten(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	subs := o.listeners[sub.property]
	for i, s := range subs {
		if s != sub {
			continue
		}
		next := make([]*Subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(o.listeners, sub.property)
		} else {
			o.listeners[sub.property] = next
		}
		sub.active.Store(false)
		return true
	}
	return false
}

// Listeners returns the number of listeners on property.
func (o *Object) Listeners(property string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.listeners[property])
}

// Emit calls every listener of property in registration order and returns
// after the last one. Listeners removed by an earlier listener during the
// same Emit are skipped.
func (o *Object) Emit(property string, v value.Value) {
	o.mu.Lock()
	subs := o.listeners[property]
	o.mu.Unlock()
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		sub.fn(property, v, sub.userData)
	}
}
