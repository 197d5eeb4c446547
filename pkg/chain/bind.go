package chain

import (
	"context"

	"mediad/pkg/value"
)

// Arg is a bound argument of a step: either a literal or the placeholder
// for the previous step's result.
type Arg struct {
	prev bool
	v    value.Value
}

// Prev is replaced by the previous step's result when the step runs.
var Prev = Arg{prev: true}

// Lit binds a literal argument.
func Lit(v value.Value) Arg { return Arg{v: v} }

// Bind builds a step that calls fn with args, substituting Prev.
//
//	c := chain.New(fetchIDs).
//		Then(chain.Bind(fetchDetails, chain.Prev, chain.Lit(value.String("full"))))
func Bind(fn func(args ...value.Value) Op, args ...Arg) Step {
	bound := make([]Arg, len(args))
	copy(bound, args)
	return func(prev value.Value) Op {
		resolved := make([]value.Value, len(bound))
		for i, a := range bound {
			if a.prev {
				resolved[i] = prev
			} else {
				resolved[i] = a.v
			}
		}
		return fn(resolved...)
	}
}

// Immediate is an operation that completes at once with v and err.
func Immediate(v value.Value, err error) Op {
	return func(_ context.Context, done Done) {
		done(v, err)
	}
}

// Func adapts a synchronous function into an operation.
func Func(fn func(ctx context.Context) (value.Value, error)) Op {
	return func(ctx context.Context, done Done) {
		done(fn(ctx))
	}
}
