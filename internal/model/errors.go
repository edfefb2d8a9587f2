package model

import "errors"

var (
	// ErrInvalidPayload is returned when a job payload cannot be decoded.
	// The consumer dead-letters jobs failing with it instead of retrying.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrJobTypeUnknown is returned when no handler is registered for a job type
	ErrJobTypeUnknown = errors.New("no handler registered for job type")
)

// PermanentError wraps job failures that must never be retried. Transient
// failures are the default; job handlers opt out of retry by returning one
// of these.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent failure: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is flagged as non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
