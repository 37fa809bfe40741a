package replication

import (
	"context"
	"errors"
	"sync"

	"github.com/skshohagmiah/livedoc/internal/storage"
)

// Checkpoint is the last processed position on each side of a replication
type Checkpoint struct {
	// Local is the last pushed sequence of the local change log
	Local uint64 `json:"local"`

	// Remote is the last applied sequence of the remote stream
	Remote uint64 `json:"remote"`
}

// CheckpointStore persists checkpoints per replication identifier
type CheckpointStore interface {
	Load(ctx context.Context, identifier string) (Checkpoint, error)
	Save(ctx context.Context, identifier string, cp Checkpoint) error
}

// MemoryCheckpoints keeps checkpoints for the life of the process
type MemoryCheckpoints struct {
	mu          sync.Mutex
	checkpoints map[string]Checkpoint
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{checkpoints: make(map[string]Checkpoint)}
}

func (m *MemoryCheckpoints) Load(ctx context.Context, identifier string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints[identifier], nil
}

func (m *MemoryCheckpoints) Save(ctx context.Context, identifier string, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[identifier] = cp
	return nil
}

// StoredCheckpoints keeps checkpoints next to the collections in badger.
// Key format: checkpoint:{identifier}
type StoredCheckpoints struct {
	store *storage.DocStorage
}

func NewStoredCheckpoints(store *storage.DocStorage) *StoredCheckpoints {
	return &StoredCheckpoints{store: store}
}

func (s *StoredCheckpoints) Load(ctx context.Context, identifier string) (Checkpoint, error) {
	var cp Checkpoint
	err := s.store.GetJSON(checkpointKey(identifier), &cp)
	if errors.Is(err, storage.ErrNotFound) {
		return Checkpoint{}, nil
	}
	return cp, err
}

func (s *StoredCheckpoints) Save(ctx context.Context, identifier string, cp Checkpoint) error {
	return s.store.SetJSON(checkpointKey(identifier), cp)
}

func checkpointKey(identifier string) string {
	return "checkpoint:" + identifier
}
