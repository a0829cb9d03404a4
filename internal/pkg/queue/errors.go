package queue

import "errors"

// unrecoverableError wraps a handler error that retrying cannot fix.
type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks a handler error as permanent: the job moves to
// the failed set immediately instead of consuming its remaining
// attempts.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err carries the permanent marker.
func IsUnrecoverable(err error) bool {
	var ue *unrecoverableError
	return errors.As(err, &ue)
}
