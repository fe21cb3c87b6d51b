package engine

import "errors"

// ErrSuspended is returned by Step.SleepUntil when the run must yield until
// its wake time. Handlers return it unchanged.
var ErrSuspended = errors.New("engine: run suspended")

var errDuplicateStep = errors.New("engine: step name used twice in one run")

type nonRetriableError struct {
	err error
}

func (e *nonRetriableError) Error() string { return e.err.Error() }
func (e *nonRetriableError) Unwrap() error { return e.err }

// NonRetriable marks err so the engine fails the run instead of retrying it.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetriableError{err: err}
}

func IsNonRetriable(err error) bool {
	var nr *nonRetriableError
	return errors.As(err, &nr)
}
