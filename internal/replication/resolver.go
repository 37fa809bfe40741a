package replication

import (
	"bytes"

	"github.com/skshohagmiah/livedoc/internal/db"
)

// Side names the winner of a conflict
type Side int

const (
	LocalWins Side = iota
	RemoteWins
)

// Resolver decides which state of a document survives when the local and
// the remote state diverge
type Resolver interface {
	Resolve(local, remote db.Document) Side
}

// Comparator orders two states of a document with the same revision.
// It must be total and stable. The greater state wins.
type Comparator func(a, b db.Document) int

// CompareContent compares the canonical JSON encodings of the documents
// without their revision
func CompareContent(a, b db.Document) int {
	return bytes.Compare(db.CanonicalContent(a), db.CanonicalContent(b))
}

// RevisionResolver lets the higher revision win. Equal revisions are
// decided by Compare, CompareContent when nil. The remote wins a full tie,
// which only happens for identical content.
type RevisionResolver struct {
	Compare Comparator
}

func (r RevisionResolver) Resolve(local, remote db.Document) Side {
	if local == nil {
		return RemoteWins
	}
	if remote == nil {
		return LocalWins
	}
	switch lr, rr := local.Rev(), remote.Rev(); {
	case lr > rr:
		return LocalWins
	case lr < rr:
		return RemoteWins
	}

	compare := r.Compare
	if compare == nil {
		compare = CompareContent
	}
	if compare(local, remote) > 0 {
		return LocalWins
	}
	return RemoteWins
}
