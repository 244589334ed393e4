// internal/result/result.go
package result

import (
	"errors"
	"fmt"
)

// ErrNilError is stored when Err is called with a nil error, so an Err can never look like an Ok.
var ErrNilError = errors.New("result: Err called with nil error")

// Result holds either a value (Ok) or an error (Err). The zero value is an Ok
// carrying the zero value of T. Results are immutable; every combinator returns a new one.
type Result[T any] struct {
	value T
	err   error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Err wraps a failure.
func Err[T any](err error) Result[T] {
	if err == nil {
		err = ErrNilError
	}
	return Result[T]{err: err}
}

// Try converts a conventional (value, error) pair into a Result.
func Try[T any](v T, err error) Result[T] {
	if err != nil {
		return Err[T](err)
	}
	return Ok(v)
}

// IsOk reports whether the result carries a value.
func (r Result[T]) IsOk() bool { return r.err == nil }

// IsErr reports whether the result carries an error.
func (r Result[T]) IsErr() bool { return r.err != nil }

// Value returns the carried value. It is the zero value for an Err.
func (r Result[T]) Value() T { return r.value }

// Error returns the carried error, or nil for an Ok.
func (r Result[T]) Error() error { return r.err }

// Get unpacks the result into the conventional Go pair.
func (r Result[T]) Get() (T, error) { return r.value, r.err }

// UnwrapOr returns the value, or def when the result is an Err.
func (r Result[T]) UnwrapOr(def T) T {
	if r.err != nil {
		return def
	}
	return r.value
}

// Map transforms the value of an Ok. An Err passes through untouched.
func (r Result[T]) Map(f func(T) T) Result[T] {
	return Map(r, f)
}

// AndThen chains a fallible step. An Err passes through untouched.
func (r Result[T]) AndThen(f func(T) Result[T]) Result[T] {
	return AndThen(r, f)
}

// MapErr transforms the error of an Err. An Ok passes through untouched.
func (r Result[T]) MapErr(f func(error) error) Result[T] {
	if r.err == nil {
		return r
	}
	return Err[T](f(r.err))
}

// String is used by %v formatting in logs and test failures.
func (r Result[T]) String() string {
	if r.err != nil {
		return fmt.Sprintf("Err(%v)", r.err)
	}
	return fmt.Sprintf("Ok(%v)", r.value)
}

// Map is the type-changing form of Result.Map.
func Map[T, U any](r Result[T], f func(T) U) Result[U] {
	if r.err != nil {
		return Err[U](r.err)
	}
	return Ok(f(r.value))
}

// AndThen is the type-changing form of Result.AndThen. Nested results are flattened.
func AndThen[T, U any](r Result[T], f func(T) Result[U]) Result[U] {
	if r.err != nil {
		return Err[U](r.err)
	}
	return f(r.value)
}

// Flatten collapses a Result of a Result.
func Flatten[T any](r Result[Result[T]]) Result[T] {
	if r.err != nil {
		return Err[T](r.err)
	}
	return r.value
}
