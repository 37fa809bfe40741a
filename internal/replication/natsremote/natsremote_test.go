package natsremote

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/skshohagmiah/livedoc/internal/db"
	"github.com/skshohagmiah/livedoc/internal/replication"
)

// --- Mocks ---

type MockJetStream struct {
	mock.Mock
	jetstream.JetStream
}

func (m *MockJetStream) CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	args := m.Called(ctx, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(jetstream.Stream), args.Error(1)
}

func (m *MockJetStream) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	args := m.Called(ctx, subject, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jetstream.PubAck), args.Error(1)
}

type MockStream struct {
	mock.Mock
	jetstream.Stream
}

func (m *MockStream) OrderedConsumer(ctx context.Context, cfg jetstream.OrderedConsumerConfig) (jetstream.Consumer, error) {
	args := m.Called(ctx, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(jetstream.Consumer), args.Error(1)
}

func (m *MockStream) GetLastMsgForSubject(ctx context.Context, subject string) (*jetstream.RawStreamMsg, error) {
	args := m.Called(ctx, subject)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jetstream.RawStreamMsg), args.Error(1)
}

type MockConsumer struct {
	mock.Mock
	jetstream.Consumer
}

func (m *MockConsumer) Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error) {
	args := m.Called(batch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(jetstream.MessageBatch), args.Error(1)
}

type MockMessageBatch struct {
	mock.Mock
	jetstream.MessageBatch
}

func (m *MockMessageBatch) Messages() <-chan jetstream.Msg {
	args := m.Called()
	return args.Get(0).(<-chan jetstream.Msg)
}

func (m *MockMessageBatch) Error() error {
	return m.Called().Error(0)
}

type MockMsg struct {
	mock.Mock
	jetstream.Msg
}

func (m *MockMsg) Data() []byte {
	return m.Called().Get(0).([]byte)
}

func (m *MockMsg) Metadata() (*jetstream.MsgMetadata, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jetstream.MsgMetadata), args.Error(1)
}

// --- Helpers ---

func encode(t *testing.T, doc db.Document) []byte {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return data
}

func message(t *testing.T, doc db.Document, seq, pending uint64) *MockMsg {
	msg := new(MockMsg)
	msg.On("Data").Return(encode(t, doc))
	msg.On("Metadata").Return(&jetstream.MsgMetadata{
		Sequence:   jetstream.SequencePair{Stream: seq},
		NumPending: pending,
	}, nil)
	return msg
}

func newTestRemote(t *testing.T) (*Remote, *MockJetStream, *MockStream) {
	t.Helper()
	js := new(MockJetStream)
	stream := new(MockStream)
	js.On("CreateOrUpdateStream", mock.Anything, mock.MatchedBy(func(cfg jetstream.StreamConfig) bool {
		return cfg.Name == "stream-for-replication-A" && len(cfg.Subjects) == 1 && cfg.Subjects[0] == "heroes.>"
	})).Return(stream, nil)

	r, err := New(context.Background(), js, Config{
		StreamName:    "stream-for-replication-A",
		SubjectPrefix: "heroes",
	})
	require.NoError(t, err)
	return r, js, stream
}

// --- Tests ---

func TestNewCreatesStream(t *testing.T) {
	_, js, _ := newTestRemote(t)
	js.AssertExpectations(t)
}

func TestNewRequiresNames(t *testing.T) {
	_, err := New(context.Background(), new(MockJetStream), Config{StreamName: "s"})
	require.Error(t, err)
	assert.True(t, replication.IsFatal(err))
}

func TestPull(t *testing.T) {
	r, _, stream := newTestRemote(t)
	consumer := new(MockConsumer)
	batch := new(MockMessageBatch)

	stream.On("OrderedConsumer", mock.Anything, mock.MatchedBy(func(cfg jetstream.OrderedConsumerConfig) bool {
		return cfg.DeliverPolicy == jetstream.DeliverByStartSequencePolicy && cfg.OptStartSeq == 6
	})).Return(consumer, nil)
	consumer.On("Fetch", 30).Return(batch, nil)

	ch := make(chan jetstream.Msg, 3)
	ch <- message(t, db.Document{"id": "h1", "name": "Superman", "_rev": 1}, 6, 2)
	ch <- message(t, db.Document{"id": "h1", "name": "Superman", "color": "red", "_rev": 2}, 7, 1)
	ch <- message(t, db.Document{"id": "h2", "name": "Batman", "_rev": 1}, 8, 0)
	close(ch)
	batch.On("Messages").Return((<-chan jetstream.Msg)(ch))
	batch.On("Error").Return(nil)

	res, err := r.Pull(context.Background(), 5, 30)
	require.NoError(t, err)

	require.Len(t, res.Documents, 2)
	assert.Equal(t, "h1", res.Documents[0].ID())
	assert.Equal(t, int64(2), res.Documents[0].Rev())
	assert.Equal(t, "h2", res.Documents[1].ID())
	assert.Equal(t, uint64(8), res.Checkpoint)
	assert.False(t, res.HasMore)
}

func TestPullFromStart(t *testing.T) {
	r, _, stream := newTestRemote(t)
	consumer := new(MockConsumer)
	batch := new(MockMessageBatch)

	stream.On("OrderedConsumer", mock.Anything, mock.MatchedBy(func(cfg jetstream.OrderedConsumerConfig) bool {
		return cfg.DeliverPolicy == jetstream.DeliverAllPolicy
	})).Return(consumer, nil)
	consumer.On("Fetch", 10).Return(batch, nil)

	ch := make(chan jetstream.Msg)
	close(ch)
	batch.On("Messages").Return((<-chan jetstream.Msg)(ch))
	batch.On("Error").Return(nil)

	res, err := r.Pull(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Documents)
	assert.Equal(t, uint64(0), res.Checkpoint)
}

func TestPushNewDocument(t *testing.T) {
	r, js, stream := newTestRemote(t)

	stream.On("GetLastMsgForSubject", mock.Anything, "heroes.h1").Return(nil, jetstream.ErrMsgNotFound)
	js.On("Publish", mock.Anything, "heroes.h1", mock.Anything).Return(&jetstream.PubAck{Sequence: 1}, nil)

	conflicts, err := r.Push(context.Background(), []db.Document{{"id": "h1", "name": "Superman", "_rev": 1}})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	js.AssertNumberOfCalls(t, "Publish", 1)
}

func TestPushConflict(t *testing.T) {
	r, js, stream := newTestRemote(t)
	remoteState := db.Document{"id": "h1", "name": "Clark", "_rev": 3}
	stream.On("GetLastMsgForSubject", mock.Anything, "heroes.h1").
		Return(&jetstream.RawStreamMsg{Subject: "heroes.h1", Sequence: 9, Data: encode(t, remoteState)}, nil)

	conflicts, err := r.Push(context.Background(), []db.Document{{"id": "h1", "name": "Superman", "_rev": 2}})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "Clark", conflicts[0]["name"])
	assert.Equal(t, int64(3), conflicts[0].Rev())
	js.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)

	// Identical content is accepted without a publish
	conflicts, err = r.Push(context.Background(), []db.Document{{"id": "h1", "name": "Clark", "_rev": 2}})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	js.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestPushRetriesConcurrentWrite(t *testing.T) {
	r, js, stream := newTestRemote(t)
	stream.On("GetLastMsgForSubject", mock.Anything, "heroes.h1").
		Return(&jetstream.RawStreamMsg{Sequence: 4, Data: encode(t, db.Document{"id": "h1", "_rev": 1})}, nil)

	wrongSeq := &jetstream.APIError{Code: 400, ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence, Description: "wrong last sequence: 5"}
	js.On("Publish", mock.Anything, "heroes.h1", mock.Anything).Return(nil, wrongSeq).Once()
	js.On("Publish", mock.Anything, "heroes.h1", mock.Anything).Return(&jetstream.PubAck{Sequence: 6}, nil).Once()

	conflicts, err := r.Push(context.Background(), []db.Document{{"id": "h1", "name": "Superman", "_rev": 2}})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	js.AssertNumberOfCalls(t, "Publish", 2)
	stream.AssertNumberOfCalls(t, "GetLastMsgForSubject", 2)
}

func TestClassify(t *testing.T) {
	auth := classify(nats.ErrAuthorization)
	assert.True(t, replication.IsFatal(auth))
	assert.ErrorIs(t, auth, db.ErrReplication)
	assert.ErrorIs(t, auth, nats.ErrAuthorization)

	timeout := classify(nats.ErrTimeout)
	assert.False(t, replication.IsFatal(timeout))

	var re *replication.Error
	require.True(t, errors.As(classify(&jetstream.APIError{ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence}), &re))
	assert.Equal(t, int(jetstream.JSErrCodeStreamWrongLastSequence), re.Code)

	assert.ErrorIs(t, classify(context.Canceled), context.Canceled)
}
