package db

import "context"

// Store is the document store contract. It is implemented by *Collection
// in the owning process and by the storage proxy client in other processes.
type Store interface {
	// Insert stores a new document at revision 1. Fails with ErrConflict if
	// a live document with the same id exists.
	Insert(ctx context.Context, doc Document) (Document, error)

	// Update applies mutate to a copy of the current document and stores it
	// as the next revision. Fails with ErrNotFound for absent or deleted ids.
	Update(ctx context.Context, id string, mutate Mutator) (Document, error)

	// Remove turns the document into a tombstone
	Remove(ctx context.Context, id string) (Document, error)

	// Get returns the current document, or nil if absent or deleted
	Get(ctx context.Context, id string) (Document, error)

	// Find runs a one-shot query
	Find(ctx context.Context, desc Descriptor) ([]Document, error)

	// ChangesSince returns the change events after seq, in order
	ChangesSince(ctx context.Context, seq uint64) ([]ChangeEvent, error)
}

// Backend persists a collection. Commit is called with the collection lock
// held and must write the document and its event atomically.
type Backend interface {
	Load(collection string) (docs []Document, events []ChangeEvent, err error)
	Commit(collection string, doc Document, ev ChangeEvent) error
}

var _ Store = (*Collection)(nil)
