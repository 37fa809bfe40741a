package db

import (
	"context"
	"errors"

	"github.com/skshohagmiah/livedoc/internal/queue"
)

// Common errors
var (
	ErrConflict             = errors.New("conflict")
	ErrNotFound             = errors.New("document not found")
	ErrTransport            = errors.New("transport error")
	ErrReplication          = errors.New("replication error")
	ErrSubscriptionOverflow = queue.ErrOverflow
	ErrInvalidDocument      = errors.New("invalid document")
	ErrInvalidQuery         = errors.New("invalid query")
	ErrInvalidCollection    = errors.New("invalid collection")
	ErrClosed               = errors.New("closed")
	ErrUnsupported          = errors.New("unsupported operation")
	ErrTooLarge             = errors.New("result too large")
)

// Error kinds, used to carry errors across a process boundary
const (
	KindConflict             = "conflict"
	KindNotFound             = "not_found"
	KindTransport            = "transport"
	KindReplication          = "replication"
	KindSubscriptionOverflow = "subscription_overflow"
	KindInvalidDocument      = "invalid_document"
	KindInvalidQuery         = "invalid_query"
	KindInvalidCollection    = "invalid_collection"
	KindClosed               = "closed"
	KindUnsupported          = "unsupported"
	KindTooLarge             = "too_large"
	KindTimeout              = "timeout"
	KindCanceled             = "canceled"
	KindInternal             = "internal"
)

var kinds = []struct {
	kind string
	err  error
}{
	{KindConflict, ErrConflict},
	{KindNotFound, ErrNotFound},
	{KindTransport, ErrTransport},
	{KindReplication, ErrReplication},
	{KindSubscriptionOverflow, ErrSubscriptionOverflow},
	{KindInvalidDocument, ErrInvalidDocument},
	{KindInvalidQuery, ErrInvalidQuery},
	{KindInvalidCollection, ErrInvalidCollection},
	{KindClosed, ErrClosed},
	{KindUnsupported, ErrUnsupported},
	{KindTooLarge, ErrTooLarge},
	{KindTimeout, context.DeadlineExceeded},
	{KindCanceled, context.Canceled},
}

// KindOf classifies err into one of the error kinds
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// ErrorFromKind rebuilds an error received from another process. The message
// is kept verbatim and errors.Is matches the sentinel of the kind.
func ErrorFromKind(kind, message string) error {
	var sentinel error
	for _, k := range kinds {
		if k.kind == kind {
			sentinel = k.err
			break
		}
	}
	return &kindError{kind: kind, message: message, sentinel: sentinel}
}

type kindError struct {
	kind     string
	message  string
	sentinel error
}

func (e *kindError) Error() string {
	return e.message
}

func (e *kindError) Unwrap() error {
	return e.sentinel
}
