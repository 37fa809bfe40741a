// Package stream is a replication remote kept in a local badger topic log.
// Every push appends the new state of a document to the topic; a pull reads
// the log after a checkpoint. It serves development setups and tests where
// no NATS server is available.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/skshohagmiah/livedoc/internal/db"
	"github.com/skshohagmiah/livedoc/internal/replication"
	"github.com/skshohagmiah/livedoc/internal/storage"
)

const maxAppendAttempts = 5

// Remote implements replication.Remote over a StreamStorage topic
type Remote struct {
	storage *storage.StreamStorage
	topic   string
	prefix  string
	owned   bool

	// Serializes the pushes of this remote. Remotes sharing the storage
	// are kept consistent by the expected offset of each append.
	pushMu sync.Mutex
}

var _ replication.Remote = (*Remote)(nil)

// New creates a remote on the topic streamName of store. Documents are
// keyed subjectPrefix.<id>.
func New(store *storage.StreamStorage, streamName, subjectPrefix string) *Remote {
	return &Remote{
		storage: store,
		topic:   streamName,
		prefix:  subjectPrefix,
	}
}

// Open creates a remote on its own storage. endpoint is badger://<dir> for a
// persistent log or mem:// for one that lives as long as the remote.
func Open(endpoint, streamName, subjectPrefix string) (*Remote, error) {
	var (
		store *storage.StreamStorage
		err   error
	)
	switch {
	case strings.HasPrefix(endpoint, "badger://"):
		dir := strings.TrimPrefix(endpoint, "badger://")
		if dir == "" {
			return nil, fmt.Errorf("missing directory in endpoint %q", endpoint)
		}
		store, err = storage.NewStreamStorage(dir)
	case strings.HasPrefix(endpoint, "mem://"):
		store, err = storage.NewInMemoryStreamStorage()
	default:
		return nil, fmt.Errorf("unsupported stream endpoint %q", endpoint)
	}
	if err != nil {
		return nil, err
	}

	r := New(store, streamName, subjectPrefix)
	r.owned = true
	return r, nil
}

// Pull returns the latest state of the documents changed after since
func (r *Remote) Pull(ctx context.Context, since uint64, batchSize int) (*replication.PullResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages, err := r.storage.FetchMessages(r.topic, int64(since), batchSize)
	if err != nil {
		return nil, replication.Transient("StreamError", err)
	}
	head, err := r.storage.GetOffset(r.topic)
	if err != nil {
		return nil, replication.Transient("StreamError", err)
	}

	res := &replication.PullResult{Checkpoint: since}
	last := make(map[string]int, len(messages))
	for i, msg := range messages {
		last[msg.Key] = i
		res.Checkpoint = uint64(msg.Offset)
	}

	// Keep only the latest state of each document, at its latest position
	for i, msg := range messages {
		if last[msg.Key] != i {
			continue
		}
		doc, err := decodeDocument(msg.Value)
		if err != nil {
			return nil, replication.Fatal("DecodeError", fmt.Errorf("message %d of %s: %w", msg.Offset, r.topic, err))
		}
		res.Documents = append(res.Documents, doc)
	}
	res.HasMore = int64(res.Checkpoint) < head

	return res, nil
}

// Push appends the documents that are new or newer than the topic's state
func (r *Remote) Push(ctx context.Context, docs []db.Document) ([]db.Document, error) {
	r.pushMu.Lock()
	defer r.pushMu.Unlock()

	var conflicts []db.Document
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conflict, err := r.pushOne(doc)
		if err != nil {
			return nil, err
		}
		if conflict != nil {
			conflicts = append(conflicts, conflict)
		}
	}
	return conflicts, nil
}

func (r *Remote) pushOne(doc db.Document) (db.Document, error) {
	key := r.key(doc.ID())
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, replication.Fatal("EncodeError", err)
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		last, err := r.storage.LastMessage(r.topic, key)
		if err != nil {
			return nil, replication.Transient("StreamError", err)
		}

		var expect int64
		if last != nil {
			current, err := decodeDocument(last.Value)
			if err != nil {
				return nil, replication.Fatal("DecodeError", err)
			}
			if current.Rev() >= doc.Rev() {
				if db.SameContent(current, doc) {
					return nil, nil
				}
				return current, nil
			}
			expect = last.Offset
		}

		_, err = r.storage.AppendMessage(r.topic, key, data, expect)
		if errors.Is(err, storage.ErrWrongLastOffset) {
			continue
		}
		if err != nil {
			return nil, replication.Transient("StreamError", err)
		}
		return nil, nil
	}
	return nil, replication.Transient("StreamError", fmt.Errorf("gave up appending %s after %d attempts", key, maxAppendAttempts))
}

// Close releases the storage if the remote opened it
func (r *Remote) Close() error {
	if r.owned {
		return r.storage.Close()
	}
	return nil
}

func (r *Remote) key(id string) string {
	return r.prefix + "." + id
}

func decodeDocument(data []byte) (db.Document, error) {
	var doc db.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
