// Package result provides a two-variant success/failure value for expected
// failures at I/O and parsing boundaries. Missing files, malformed JSON and
// schema violations travel as Err values; programmer errors still panic.
package result

import (
	"fmt"
)

// Result holds exactly one of a value or an error.
type Result[T any] struct {
	value T
	err   error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Err wraps a failure. A nil error is replaced so the Err tag is never lost.
func Err[T any](err error) Result[T] {
	if err == nil {
		err = fmt.Errorf("result: Err called with nil error")
	}
	return Result[T]{err: err}
}

// From builds a Result from a conventional (value, error) pair.
func From[T any](v T, err error) Result[T] {
	if err != nil {
		return Err[T](err)
	}
	return Ok(v)
}

// IsOk reports whether r holds a value.
func (r Result[T]) IsOk() bool { return r.err == nil }

// IsErr reports whether r holds an error.
func (r Result[T]) IsErr() bool { return r.err != nil }

// Value returns the held value and whether it is present.
func (r Result[T]) Value() (T, bool) {
	return r.value, r.err == nil
}

// Error returns the held error, nil for Ok.
func (r Result[T]) Error() error { return r.err }

// Get returns the conventional (value, error) pair.
func (r Result[T]) Get() (T, error) {
	return r.value, r.err
}

// Unwrap returns the value and panics on Err. Reserve it for invariants.
func (r Result[T]) Unwrap() T {
	if r.err != nil {
		panic(fmt.Sprintf("result: Unwrap on Err: %v", r.err))
	}
	return r.value
}

// UnwrapOr returns the value or def.
func (r Result[T]) UnwrapOr(def T) T {
	if r.err != nil {
		return def
	}
	return r.value
}

// UnwrapOrElse returns the value or computes one from the error.
func (r Result[T]) UnwrapOrElse(fn func(error) T) T {
	if r.err != nil {
		return fn(r.err)
	}
	return r.value
}

// MapErr transforms the error, leaving Ok untouched.
func (r Result[T]) MapErr(fn func(error) error) Result[T] {
	if r.err == nil {
		return r
	}
	return Err[T](fn(r.err))
}

// Recover turns Err into Ok using a fallback computed from the error. The
// returned Result is always Ok.
func (r Result[T]) Recover(fn func(error) T) Result[T] {
	if r.err == nil {
		return r
	}
	return Ok(fn(r.err))
}

// OrElse tries an alternative computation when r is Err.
func (r Result[T]) OrElse(fn func(error) Result[T]) Result[T] {
	if r.err == nil {
		return r
	}
	return fn(r.err)
}

// Tap runs fn on the value without altering r.
func (r Result[T]) Tap(fn func(T)) Result[T] {
	if r.err == nil {
		fn(r.value)
	}
	return r
}

// TapErr runs fn on the error without altering r.
func (r Result[T]) TapErr(fn func(error)) Result[T] {
	if r.err != nil {
		fn(r.err)
	}
	return r
}

// Map transforms the value of an Ok result.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	if r.err != nil {
		return Err[U](r.err)
	}
	return Ok(fn(r.value))
}

// FlatMap chains a computation that can itself fail.
func FlatMap[T, U any](r Result[T], fn func(T) Result[U]) Result[U] {
	if r.err != nil {
		return Err[U](r.err)
	}
	return fn(r.value)
}

// Match folds r into a single value.
func Match[T, U any](r Result[T], onOk func(T) U, onErr func(error) U) U {
	if r.err != nil {
		return onErr(r.err)
	}
	return onOk(r.value)
}
