// internal/result/async.go
package result

import (
	"context"
	"fmt"
	"sync"
)

// Async is a lazily evaluated Result. The underlying computation runs at most
// once, on the first Await; later Awaits observe the memoized outcome.
type Async[T any] struct {
	run  func(ctx context.Context) Result[T]
	once sync.Once
	res  Result[T]
}

// NewAsync wraps a computation that produces a Result.
func NewAsync[T any](run func(ctx context.Context) Result[T]) *Async[T] {
	return &Async[T]{run: run}
}

// Go wraps a conventional context-aware function.
func Go[T any](fn func(ctx context.Context) (T, error)) *Async[T] {
	return NewAsync(func(ctx context.Context) Result[T] {
		return Try(fn(ctx))
	})
}

// Resolved lifts an already computed Result.
func Resolved[T any](r Result[T]) *Async[T] {
	a := &Async[T]{res: r}
	a.once.Do(func() {})
	return a
}

// Await runs the computation (once) and returns its Result. If ctx is done
// before the computation starts, the context error is returned without running it.
func (a *Async[T]) Await(ctx context.Context) Result[T] {
	a.once.Do(func() {
		if err := ctx.Err(); err != nil {
			a.res = Err[T](err)
			return
		}
		a.res = a.run(ctx)
	})
	return a.res
}

// Unwrap awaits and returns the conventional Go pair.
func (a *Async[T]) Unwrap(ctx context.Context) (T, error) {
	return a.Await(ctx).Get()
}

// UnwrapOr awaits and returns the value or def.
func (a *Async[T]) UnwrapOr(ctx context.Context, def T) T {
	return a.Await(ctx).UnwrapOr(def)
}

// Expect awaits and returns the value, panicking with msg on Err.
// Only boundary code that cannot stay in Result space should use it.
func (a *Async[T]) Expect(ctx context.Context, msg string) T {
	r := a.Await(ctx)
	if r.IsErr() {
		panic(fmt.Sprintf("%s: %v", msg, r.Error()))
	}
	return r.Value()
}

// MapErr transforms the error of the eventual Result.
func (a *Async[T]) MapErr(f func(error) error) *Async[T] {
	return NewAsync(func(ctx context.Context) Result[T] {
		return a.Await(ctx).MapErr(f)
	})
}

// Step is one stage of an Async chain. Steps are built with Lift, LiftErr,
// LiftResult and LiftAsync so that plain values, (value, error) pairs, Results
// and nested Asyncs compose uniformly.
type Step[T, U any] interface {
	apply(ctx context.Context, v T) Result[U]
}

type stepFunc[T, U any] func(ctx context.Context, v T) Result[U]

func (f stepFunc[T, U]) apply(ctx context.Context, v T) Result[U] { return f(ctx, v) }

// Lift adapts an infallible function.
func Lift[T, U any](f func(T) U) Step[T, U] {
	return stepFunc[T, U](func(_ context.Context, v T) Result[U] { return Ok(f(v)) })
}

// LiftErr adapts a function returning (U, error).
func LiftErr[T, U any](f func(T) (U, error)) Step[T, U] {
	return stepFunc[T, U](func(_ context.Context, v T) Result[U] { return Try(f(v)) })
}

// LiftResult adapts a function returning a Result.
func LiftResult[T, U any](f func(T) Result[U]) Step[T, U] {
	return stepFunc[T, U](func(_ context.Context, v T) Result[U] { return f(v) })
}

// LiftAsync adapts a function returning another Async, flattening it.
func LiftAsync[T, U any](f func(T) *Async[U]) Step[T, U] {
	return stepFunc[T, U](func(ctx context.Context, v T) Result[U] { return f(v).Await(ctx) })
}

// LiftContext adapts a context-aware function returning (U, error).
func LiftContext[T, U any](f func(context.Context, T) (U, error)) Step[T, U] {
	return stepFunc[T, U](func(ctx context.Context, v T) Result[U] { return Try(f(ctx, v)) })
}

// Then chains a step onto a. An Err short-circuits the step.
func Then[T, U any](a *Async[T], step Step[T, U]) *Async[U] {
	return NewAsync(func(ctx context.Context) Result[U] {
		r := a.Await(ctx)
		if r.IsErr() {
			return Err[U](r.Error())
		}
		return step.apply(ctx, r.Value())
	})
}
