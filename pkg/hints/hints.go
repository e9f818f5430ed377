// Package hints marks errors that report a skipped step rather than a failure,
// such as a disabled hook or a retention pass with nothing to purge.
//
// Callers test for the mark with IsHint and carry on instead of aborting the
// run. The check goes through an interface, so callers do not need to know
// which package produced the hint.
package hints

import "errors"

type hintErr struct {
	err error
}

func (h *hintErr) Error() string {
	if h == nil || h.err == nil {
		return "unknown hint"
	}
	return h.err.Error()
}

func (h *hintErr) IsHint() bool  { return true }
func (h *hintErr) Unwrap() error { return h.err }

// New returns a hint with the given message.
func New(msg string) error {
	return &hintErr{err: errors.New(msg)}
}

// Wrap marks err as a hint. Wrap(nil) is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &hintErr{err: err}
}

// IsHint reports whether any error in err's chain is a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}

// Is reports whether err is a hint and matches target.
func Is(err, target error) bool {
	return IsHint(err) && errors.Is(err, target)
}
