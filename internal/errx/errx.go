// Package errx builds errors that match both a package sentinel and,
// when present, the underlying cause.
package errx

import "fmt"

// Wrap returns an error reading "<sentinel>: <cause>" for which errors.Is
// reports true against both sentinel and cause.
func Wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// With appends formatted detail to sentinel. The format may itself contain
// %w verbs; every wrapped error stays reachable through errors.Is.
func With(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w"+format, append([]any{sentinel}, args...)...)
}
