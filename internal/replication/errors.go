package replication

import (
	"errors"
	"fmt"

	"github.com/skshohagmiah/livedoc/internal/db"
)

// Error is a failure reported by a remote or raised while replicating.
// errors.Is(err, db.ErrReplication) holds for every Error.
type Error struct {
	// Name and Code identify the failure as the remote reported it
	Name string
	Code int

	// Fatal errors stop the session. Others pause it and are retried.
	Fatal bool

	Err error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("replication error: %s (%d): %v", e.Name, e.Code, e.Err)
	}
	return fmt.Sprintf("replication error: %s: %v", e.Name, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{db.ErrReplication, e.Err}
}

// Transient wraps err as a retryable replication error
func Transient(name string, err error) *Error {
	return &Error{Name: name, Err: err}
}

// Fatal wraps err as an unrecoverable replication error
func Fatal(name string, err error) *Error {
	return &Error{Name: name, Fatal: true, Err: err}
}

// IsFatal reports whether err must stop the session
func IsFatal(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Fatal
	}
	return errors.Is(err, db.ErrClosed) || errors.Is(err, db.ErrInvalidDocument)
}

// asError converts any error raised by a cycle into an *Error
func asError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Name: "ReplicationError", Fatal: IsFatal(err), Err: err}
}
