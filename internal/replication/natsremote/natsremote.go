// Package natsremote replicates through a NATS JetStream stream. Each
// document is a subject <subjectPrefix>.<id> whose last message holds the
// document's latest state.
package natsremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/skshohagmiah/livedoc/internal/db"
	"github.com/skshohagmiah/livedoc/internal/replication"
)

const (
	// DefaultFetchWait bounds how long a pull waits for messages
	DefaultFetchWait  = 500 * time.Millisecond
	maxPublishRetries = 5
)

// Config of a JetStream remote
type Config struct {
	URL           string
	StreamName    string
	SubjectPrefix string

	User     string
	Password string
	Token    string

	// MaxReconnects of the NATS connection (-1 = unlimited)
	MaxReconnects      int
	ReconnectWait      time.Duration
	WaitOnFirstConnect bool
	Timeout            time.Duration

	FetchWait time.Duration
	Logger    *slog.Logger
}

// Remote implements replication.Remote over JetStream
type Remote struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	stream    jetstream.Stream
	prefix    string
	fetchWait time.Duration
	logger    *slog.Logger
}

var _ replication.Remote = (*Remote)(nil)

// Connect dials the NATS server and creates or updates the stream
func Connect(ctx context.Context, cfg Config) (*Remote, error) {
	opts := []nats.Option{
		nats.Name("livedoc-" + cfg.StreamName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.RetryOnFailedConnect(cfg.WaitOnFirstConnect),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, classify(err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, classify(err)
	}

	r, err := New(ctx, js, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	r.nc = nc
	return r, nil
}

// New creates the remote on an existing JetStream context
func New(ctx context.Context, js jetstream.JetStream, cfg Config) (*Remote, error) {
	if cfg.StreamName == "" || cfg.SubjectPrefix == "" {
		return nil, replication.Fatal("ConfigError", errors.New("stream name and subject prefix are required"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fetchWait := cfg.FetchWait
	if fetchWait <= 0 {
		fetchWait = DefaultFetchWait
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to create stream %s: %w", cfg.StreamName, err))
	}

	return &Remote{
		js:        js,
		stream:    stream,
		prefix:    cfg.SubjectPrefix,
		fetchWait: fetchWait,
		logger:    logger.With("component", "natsremote", "stream", cfg.StreamName),
	}, nil
}

// Pull reads the stream after the sequence since with an ordered consumer
func (r *Remote) Pull(ctx context.Context, since uint64, batchSize int) (*replication.PullResult, error) {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{r.prefix + ".>"},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if since > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = since + 1
	}

	consumer, err := r.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, classify(err)
	}
	batch, err := consumer.Fetch(batchSize, jetstream.FetchMaxWait(r.fetchWait))
	if err != nil {
		return nil, classify(err)
	}

	res := &replication.PullResult{Checkpoint: since}
	var (
		docs []db.Document
		last = make(map[string]int)
	)
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			return nil, classify(err)
		}
		doc, err := decodeDocument(msg.Data())
		if err != nil {
			return nil, replication.Fatal("DecodeError", fmt.Errorf("message %d: %w", meta.Sequence.Stream, err))
		}

		last[doc.ID()] = len(docs)
		docs = append(docs, doc)
		res.Checkpoint = meta.Sequence.Stream
		res.HasMore = meta.NumPending > 0
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return nil, classify(err)
	}

	for i, doc := range docs {
		if last[doc.ID()] == i {
			res.Documents = append(res.Documents, doc)
		}
	}
	return res, nil
}

// Push publishes each document that is new or newer than the last message
// of its subject. Publishing expects the last subject sequence that was
// read, so a concurrent writer is detected and the comparison is redone.
func (r *Remote) Push(ctx context.Context, docs []db.Document) ([]db.Document, error) {
	var conflicts []db.Document
	for _, doc := range docs {
		conflict, err := r.pushOne(ctx, doc)
		if err != nil {
			return nil, err
		}
		if conflict != nil {
			conflicts = append(conflicts, conflict)
		}
	}
	return conflicts, nil
}

func (r *Remote) pushOne(ctx context.Context, doc db.Document) (db.Document, error) {
	subject := r.prefix + "." + doc.ID()
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, replication.Fatal("EncodeError", err)
	}

	for attempt := 0; attempt < maxPublishRetries; attempt++ {
		var expect uint64
		last, err := r.stream.GetLastMsgForSubject(ctx, subject)
		switch {
		case errors.Is(err, jetstream.ErrMsgNotFound):
		case err != nil:
			return nil, classify(err)
		default:
			current, err := decodeDocument(last.Data)
			if err != nil {
				return nil, replication.Fatal("DecodeError", err)
			}
			if current.Rev() >= doc.Rev() {
				if db.SameContent(current, doc) {
					return nil, nil
				}
				return current, nil
			}
			expect = last.Sequence
		}

		_, err = r.js.Publish(ctx, subject, data, jetstream.WithExpectLastSequencePerSubject(expect))
		if isWrongLastSequence(err) {
			r.logger.Debug("Concurrent write, retrying", "subject", subject)
			continue
		}
		if err != nil {
			return nil, classify(err)
		}
		return nil, nil
	}
	return nil, replication.Transient("NatsError", fmt.Errorf("gave up publishing %s after %d attempts", subject, maxPublishRetries))
}

// Close closes the NATS connection if the remote opened it
func (r *Remote) Close() error {
	if r.nc != nil {
		r.nc.Close()
	}
	return nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// classify turns a NATS error into a replication error. Authorization
// failures are fatal, everything else is retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	re := &replication.Error{Name: "NatsError", Err: err}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		re.Code = int(apiErr.ErrorCode)
	}
	switch {
	case errors.Is(err, nats.ErrAuthorization),
		errors.Is(err, nats.ErrAuthExpired),
		errors.Is(err, nats.ErrAuthRevoked),
		errors.Is(err, nats.ErrPermissionViolation),
		errors.Is(err, jetstream.ErrJetStreamNotEnabled):
		re.Fatal = true
	}
	return re
}

func decodeDocument(data []byte) (db.Document, error) {
	var doc db.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
