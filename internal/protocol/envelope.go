package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/skshohagmiah/livedoc/internal/db"
	"github.com/skshohagmiah/livedoc/internal/livequery"
)

// Operations
const (
	OpInsert       = "insert"
	OpUpdate       = "update"
	OpRemove       = "remove"
	OpGet          = "get"
	OpFind         = "find"
	OpChangesSince = "changesSince"
	OpSeq          = "seq"
	OpWatch        = "watch"
	OpLive         = "live"
	OpUnsubscribe  = "unsubscribe"
	OpPing         = "ping"
)

// Envelope is the message exchanged between a proxy client and its host.
// Requests carry an operation and its arguments; responses echo the request
// id with a result or an error; pushes carry subscription data.
type Envelope struct {
	Type           string              `json:"type"`
	RequestID      uint64              `json:"requestId,omitempty"`
	SubscriptionID string              `json:"subscriptionId,omitempty"`
	Operation      string              `json:"operation,omitempty"`
	Collection     string              `json:"collection,omitempty"`
	Args           json.RawMessage     `json:"args,omitempty"`
	Result         json.RawMessage     `json:"result,omitempty"`
	Error          *Error              `json:"error,omitempty"`
	Event          *db.ChangeEvent     `json:"event,omitempty"`
	Snapshot       *livequery.Snapshot `json:"snapshot,omitempty"`
	// Final marks the last push of a subscription. Error tells why it ended.
	Final bool `json:"final,omitempty"`
}

// Error carries an error across the process boundary
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewError converts err for the wire, nil for nil
func NewError(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: db.KindOf(err), Message: err.Error()}
}

// Err rebuilds the error. errors.Is matches the sentinel of its kind.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	return db.ErrorFromKind(e.Kind, e.Message)
}

// Arguments of the operations

type InsertArgs struct {
	Doc db.Document `json:"doc"`
}

// UpdateArgs replaces the document at ExpectedRev with Doc. The host fails
// with a conflict if the document moved on.
type UpdateArgs struct {
	ID          string      `json:"id"`
	ExpectedRev int64       `json:"expectedRev"`
	Doc         db.Document `json:"doc"`
}

type IDArgs struct {
	ID string `json:"id"`
}

type FindArgs struct {
	Query db.Descriptor `json:"query"`
}

// ChangesSinceArgs asks for one page of the change log after Seq. The host
// caps the page at Limit events and at what fits in a frame.
type ChangesSinceArgs struct {
	Seq   uint64 `json:"seq"`
	Limit int    `json:"limit,omitempty"`
}

// ChangesResult is a page of the change log. Head is the sequence number of
// the last commit when the page was read.
type ChangesResult struct {
	Events []db.ChangeEvent `json:"events"`
	Head   uint64           `json:"head"`
}

// WatchArgs subscribes to the change feed after Since
type WatchArgs struct {
	Since  uint64 `json:"since"`
	Buffer int    `json:"buffer,omitempty"`
}

type LiveArgs struct {
	Query  db.Descriptor `json:"query"`
	Buffer int           `json:"buffer,omitempty"`
}

// NewRequest builds a request envelope
func NewRequest(id uint64, op, collection string, args interface{}) (*Envelope, error) {
	env := &Envelope{
		Type:       TypeRequest,
		RequestID:  id,
		Operation:  op,
		Collection: collection,
	}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s arguments: %w", op, err)
		}
		env.Args = data
	}
	return env, nil
}

// NewResponse builds the response to req. result is ignored when err is set.
func NewResponse(req *Envelope, result interface{}, err error) *Envelope {
	env := &Envelope{
		Type:      TypeResponse,
		RequestID: req.RequestID,
		Operation: req.Operation,
	}
	if err != nil {
		env.Error = NewError(err)
		return env
	}
	if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			env.Error = NewError(fmt.Errorf("failed to marshal %s result: %w", req.Operation, merr))
			return env
		}
		env.Result = data
	}
	return env
}

// DecodeArgs unmarshals the request arguments into v
func (e *Envelope) DecodeArgs(v interface{}) error {
	if len(e.Args) == 0 {
		return fmt.Errorf("%w: missing %s arguments", db.ErrInvalidDocument, e.Operation)
	}
	if err := json.Unmarshal(e.Args, v); err != nil {
		return fmt.Errorf("%w: bad %s arguments: %v", db.ErrInvalidDocument, e.Operation, err)
	}
	return nil
}

// DecodeResult unmarshals the response result into v
func (e *Envelope) DecodeResult(v interface{}) error {
	if len(e.Result) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(e.Result, v)
}
