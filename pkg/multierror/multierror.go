// Package multierror aggregates errors from best-effort passes, like
// rolling back a half-started container set or sweeping orphans, where
// one failure must not hide the rest.
package multierror

import (
	"errors"
	"slices"
)

type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	var s string
	for i, err := range m.errors {
		if i > 0 {
			s += "\n"
		}
		s += err.Error()
	}
	return s
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

func (m *MultiError) Errors() []error {
	return m.errors
}

func (m *MultiError) Is(err error) bool {
	for _, e := range m.errors {
		if errors.Is(e, err) {
			return true
		}
	}
	return false
}

func (m *MultiError) As(target any) bool {
	for _, e := range m.errors {
		if errors.As(e, target) {
			return true
		}
	}
	return false
}

// Append folds errs into err, dropping nils. A nil err starts a fresh
// accumulator, so cleanup loops can do `all = multierror.Append(all, e)`
// without special-casing the first failure. A single surviving error is
// returned as itself.
func Append(err error, errs ...error) error {
	var all []error

	if me, ok := err.(*MultiError); ok {
		all = slices.Clone(me.errors)
	} else if err != nil {
		all = []error{err}
	}

	for _, e := range errs {
		if e == nil {
			continue
		}
		if me, ok := e.(*MultiError); ok {
			all = append(all, me.errors...)
			continue
		}
		all = append(all, e)
	}

	switch len(all) {
	case 0:
		return nil
	case 1:
		return all[0]
	default:
		return &MultiError{errors: all}
	}
}

// Combine is Append over a plain slice.
func Combine(errs ...error) error {
	return Append(nil, errs...)
}
