package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/skshohagmiah/livedoc/internal/db"
)

// ErrNotFound is returned by Get and GetJSON for missing keys
var ErrNotFound = errors.New("key not found")

// DocStorage provides low-level BadgerDB operations for document storage.
// Key format:
//   - Documents: doc:{collection}:{id}
//   - Change log: log:{collection}:{seq as 8 bytes big-endian}
//   - Metadata: meta:{name}
type DocStorage struct {
	db *badger.DB
}

// NewDocStorage creates a new document storage instance in path
func NewDocStorage(path string) (*DocStorage, error) {
	return openDocStorage(badger.DefaultOptions(path))
}

// NewInMemoryDocStorage creates a document storage instance that is lost on Close
func NewInMemoryDocStorage() (*DocStorage, error) {
	return openDocStorage(badger.DefaultOptions("").WithInMemory(true))
}

func openDocStorage(opts badger.Options) (*DocStorage, error) {
	opts.Logger = nil

	// Optimize for document storage
	opts.NumVersionsToKeep = 1
	opts.NumLevelZeroTables = 10
	opts.NumLevelZeroTablesStall = 20
	opts.NumCompactors = 4
	opts.ValueThreshold = 1024
	opts.BlockCacheSize = 256 << 20 // 256MB
	opts.IndexCacheSize = 128 << 20 // 128MB
	opts.SyncWrites = false
	opts.CompactL0OnClose = false
	opts.MemTableSize = 64 << 20 // 64MB

	badgerDB, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &DocStorage{db: badgerDB}, nil
}

// Close closes the BadgerDB instance
func (ds *DocStorage) Close() error {
	return ds.db.Close()
}

// Commit stores the document and its change event in one transaction
func (ds *DocStorage) Commit(collection string, doc db.Document, ev db.ChangeEvent) error {
	docData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	evData, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}

	return ds.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(makeDocKey(collection, ev.ID), docData); err != nil {
			return err
		}
		return txn.Set(makeLogKey(collection, ev.Seq), evData)
	})
}

// Load returns the documents and the change log of a collection, the log in
// sequence order
func (ds *DocStorage) Load(collection string) ([]db.Document, []db.ChangeEvent, error) {
	var docs []db.Document
	var events []db.ChangeEvent

	err := ds.db.View(func(txn *badger.Txn) error {
		err := scanPrefix(txn, makeDocPrefix(collection), func(_ []byte, val []byte) error {
			var doc db.Document
			if err := json.Unmarshal(val, &doc); err != nil {
				return fmt.Errorf("corrupt document: %w", err)
			}
			docs = append(docs, doc)
			return nil
		})
		if err != nil {
			return err
		}

		return scanPrefix(txn, makeLogPrefix(collection), func(_ []byte, val []byte) error {
			var ev db.ChangeEvent
			if err := json.Unmarshal(val, &ev); err != nil {
				return fmt.Errorf("corrupt change event: %w", err)
			}
			events = append(events, ev)
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return docs, events, nil
}

// Set stores a value with the given key
func (ds *DocStorage) Set(key string, data []byte) error {
	return ds.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// Get retrieves a value by key
func (ds *DocStorage) Get(key string) ([]byte, error) {
	var data []byte

	err := ds.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}

		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}

	return data, err
}

// Scan iterates over all keys with the given prefix
func (ds *DocStorage) Scan(prefix string, fn func(key string, value []byte) error) error {
	return ds.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(prefix), func(key, val []byte) error {
			return fn(string(key), val)
		})
	})
}

// SetJSON stores a JSON-serializable value
func (ds *DocStorage) SetJSON(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return ds.Set(key, data)
}

// GetJSON retrieves and unmarshals a JSON value
func (ds *DocStorage) GetJSON(key string, dest interface{}) error {
	data, err := ds.Get(key)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, dest)
}

// Collections lists the names of the collections with stored documents
func (ds *DocStorage) Collections() ([]string, error) {
	seen := make(map[string]bool)
	var names []string
	err := ds.Scan("doc:", func(key string, _ []byte) error {
		rest := strings.TrimPrefix(key, "doc:")
		if i := strings.IndexByte(rest, ':'); i > 0 && !seen[rest[:i]] {
			seen[rest[:i]] = true
			names = append(names, rest[:i])
		}
		return nil
	})
	return names, err
}

func scanPrefix(txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), data); err != nil {
			return err
		}
	}
	return nil
}

// Key generation helpers
func makeDocKey(collection, id string) []byte {
	return []byte("doc:" + collection + ":" + id)
}

func makeDocPrefix(collection string) []byte {
	return []byte("doc:" + collection + ":")
}

func makeLogKey(collection string, seq uint64) []byte {
	key := makeLogPrefix(collection)
	return binary.BigEndian.AppendUint64(key, seq)
}

func makeLogPrefix(collection string) []byte {
	return []byte("log:" + collection + ":")
}

var _ db.Backend = (*DocStorage)(nil)
