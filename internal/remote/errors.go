package remote

import (
	"errors"
	"fmt"
)

// ErrConflict signals that the remote version diverged from the base version
// the operation was derived from. It is routed to the conflict resolver, not
// treated as a failure.
var ErrConflict = errors.New("remote version conflict")

// ErrNotFound signals the target entity does not exist on the remote store.
var ErrNotFound = errors.New("remote entity not found")

// TransientError marks failures worth retrying: network errors, timeouts and
// 5xx-equivalent responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient remote error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks rejections that will not succeed on retry, such as
// authorization or validation failures.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent remote error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
