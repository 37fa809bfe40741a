package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrWrongLastOffset is returned by AppendMessage when the expected last
// offset of a key does not match
var ErrWrongLastOffset = errors.New("wrong last offset for key")

// AnyOffset disables the last offset check of AppendMessage
const AnyOffset int64 = -1

// StreamStorage provides persistent storage for append-only topic logs
// using BadgerDB. Offsets start at 1.
// Key format:
//   - Messages: stream:msg:{topic}:{offset}
//   - Head offset: stream:offset:{topic}
//   - Last offset per key: stream:key:{topic}:{key}
type StreamStorage struct {
	db *badger.DB

	// Per-topic locks to reduce contention
	topicLocks map[string]*sync.RWMutex
	topicMu    sync.Mutex // Only lock for topic map access
}

// Message represents a stream message
type Message struct {
	Topic     string
	Offset    int64
	Key       string
	Value     []byte
	Timestamp int64
}

// NewStreamStorage creates a new stream storage instance in path
func NewStreamStorage(path string) (*StreamStorage, error) {
	return openStreamStorage(badger.DefaultOptions(path))
}

// NewInMemoryStreamStorage creates a stream storage instance that is lost on Close
func NewInMemoryStreamStorage() (*StreamStorage, error) {
	return openStreamStorage(badger.DefaultOptions("").WithInMemory(true))
}

func openStreamStorage(opts badger.Options) (*StreamStorage, error) {
	opts.Logger = nil // Disable badger logging

	opts.NumVersionsToKeep = 1 // Only keep 1 version (no MVCC overhead)
	opts.CompactL0OnClose = true
	opts.MemTableSize = 64 << 20
	opts.BlockCacheSize = 64 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &StreamStorage{
		db:         db,
		topicLocks: make(map[string]*sync.RWMutex),
	}, nil
}

// getTopicLock returns the lock for a topic
func (s *StreamStorage) getTopicLock(topic string) *sync.RWMutex {
	s.topicMu.Lock()
	defer s.topicMu.Unlock()

	lock, exists := s.topicLocks[topic]
	if !exists {
		lock = &sync.RWMutex{}
		s.topicLocks[topic] = lock
	}
	return lock
}

// AppendMessage appends a message to a topic and returns the assigned
// offset. Unless expect is AnyOffset, the append fails with
// ErrWrongLastOffset if the last message for key is not at offset expect
// (0 = no message for key yet).
func (s *StreamStorage) AppendMessage(topic, key string, value []byte, expect int64) (int64, error) {
	lock := s.getTopicLock(topic)
	lock.Lock()
	defer lock.Unlock()

	var offset int64
	err := s.db.Update(func(txn *badger.Txn) error {
		keyIndex := makeKeyIndexKey(topic, key)
		if expect != AnyOffset {
			last, err := readOffset(txn, keyIndex)
			if err != nil {
				return err
			}
			if last != expect {
				return fmt.Errorf("%w: %s has %d, expected %d", ErrWrongLastOffset, key, last, expect)
			}
		}

		head, err := readOffset(txn, makeOffsetKey(topic))
		if err != nil {
			return err
		}
		offset = head + 1

		msg := &Message{
			Topic:     topic,
			Offset:    offset,
			Key:       key,
			Value:     value,
			Timestamp: time.Now().UnixMilli(),
		}
		if err := txn.Set(makeMessageKey(topic, offset), encodeMessage(msg)); err != nil {
			return err
		}
		if err := writeOffset(txn, keyIndex, offset); err != nil {
			return err
		}
		return writeOffset(txn, makeOffsetKey(topic), offset)
	})

	return offset, err
}

// FetchMessages retrieves up to maxCount messages with an offset above after
func (s *StreamStorage) FetchMessages(topic string, after int64, maxCount int) ([]*Message, error) {
	lock := s.getTopicLock(topic)
	lock.RLock()
	defer lock.RUnlock()

	messages := make([]*Message, 0, maxCount)

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := makeMessagePrefix(topic)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(makeMessageKey(topic, after+1)); it.ValidForPrefix(prefix) && len(messages) < maxCount; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				msg, err := decodeMessage(val)
				if err != nil {
					return err
				}
				msg.Topic = topic
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	return messages, err
}

// LastMessage returns the most recent message for key, nil if there is none
func (s *StreamStorage) LastMessage(topic, key string) (*Message, error) {
	lock := s.getTopicLock(topic)
	lock.RLock()
	defer lock.RUnlock()

	var msg *Message
	err := s.db.View(func(txn *badger.Txn) error {
		offset, err := readOffset(txn, makeKeyIndexKey(topic, key))
		if err != nil || offset == 0 {
			return err
		}
		item, err := txn.Get(makeMessageKey(topic, offset))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			msg, err = decodeMessage(val)
			if msg != nil {
				msg.Topic = topic
			}
			return err
		})
	})
	return msg, err
}

// GetOffset returns the offset of the last message of a topic, 0 if empty
func (s *StreamStorage) GetOffset(topic string) (int64, error) {
	lock := s.getTopicLock(topic)
	lock.RLock()
	defer lock.RUnlock()

	var offset int64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		offset, err = readOffset(txn, makeOffsetKey(topic))
		return err
	})
	return offset, err
}

// Close closes the storage
func (s *StreamStorage) Close() error {
	return s.db.Close()
}

func readOffset(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var offset int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("invalid offset data")
		}
		offset = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return offset, err
}

func writeOffset(txn *badger.Txn, key []byte, offset int64) error {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(offset))
	return txn.Set(key, data)
}

// Key generation helpers
func makeMessageKey(topic string, offset int64) []byte {
	return []byte(fmt.Sprintf("stream:msg:%s:%020d", topic, offset))
}

func makeMessagePrefix(topic string) []byte {
	return []byte(fmt.Sprintf("stream:msg:%s:", topic))
}

func makeOffsetKey(topic string) []byte {
	return []byte(fmt.Sprintf("stream:offset:%s", topic))
}

func makeKeyIndexKey(topic, key string) []byte {
	return []byte(fmt.Sprintf("stream:key:%s:%s", topic, key))
}

// Encoding/Decoding helpers
func encodeMessage(msg *Message) []byte {
	keyLen := len(msg.Key)
	valueLen := len(msg.Value)

	// Format: [8:offset][8:timestamp][2:keyLen][key][4:valueLen][value]
	size := 8 + 8 + 2 + keyLen + 4 + valueLen
	data := make([]byte, size)
	pos := 0

	binary.BigEndian.PutUint64(data[pos:], uint64(msg.Offset))
	pos += 8
	binary.BigEndian.PutUint64(data[pos:], uint64(msg.Timestamp))
	pos += 8
	binary.BigEndian.PutUint16(data[pos:], uint16(keyLen))
	pos += 2
	copy(data[pos:], msg.Key)
	pos += keyLen
	binary.BigEndian.PutUint32(data[pos:], uint32(valueLen))
	pos += 4
	copy(data[pos:], msg.Value)

	return data
}

func decodeMessage(data []byte) (*Message, error) {
	if len(data) < 22 {
		return nil, fmt.Errorf("invalid message data")
	}

	msg := &Message{}
	pos := 0

	msg.Offset = int64(binary.BigEndian.Uint64(data[pos:]))
	pos += 8
	msg.Timestamp = int64(binary.BigEndian.Uint64(data[pos:]))
	pos += 8

	keyLen := int(binary.BigEndian.Uint16(data[pos:]))
	pos += 2
	if len(data) < pos+keyLen+4 {
		return nil, fmt.Errorf("invalid message data")
	}
	msg.Key = string(data[pos : pos+keyLen])
	pos += keyLen

	valueLen := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	if len(data) < pos+valueLen {
		return nil, fmt.Errorf("invalid message data")
	}
	msg.Value = append([]byte(nil), data[pos:pos+valueLen]...)

	return msg, nil
}
