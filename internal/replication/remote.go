package replication

import (
	"context"

	"github.com/skshohagmiah/livedoc/internal/db"
)

// Remote is the other side of a replication: a change stream holding the
// latest state of every document.
type Remote interface {
	// Pull returns the documents changed after the stream position since,
	// at most batchSize, oldest first, each in its latest state within the
	// batch.
	Pull(ctx context.Context, since uint64, batchSize int) (*PullResult, error)

	// Push writes documents that are new to the remote or newer than its
	// state. A document the remote already holds with the same content is
	// accepted. For any other document the remote's state is returned as a
	// conflict.
	Push(ctx context.Context, docs []db.Document) (conflicts []db.Document, err error)

	Close() error
}

// PullResult is one batch of remote changes
type PullResult struct {
	Documents []db.Document

	// Checkpoint is the stream position to pull from next
	Checkpoint uint64

	// HasMore reports a backlog beyond this batch
	HasMore bool
}
