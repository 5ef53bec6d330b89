package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tabeth/sqslocal/models"
	"github.com/tabeth/sqslocal/store"
	"github.com/tabeth/sqslocal/waitregistry"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateQueue(ctx context.Context, name string, attrs store.QueueAttributes, now time.Time) (store.QueueAttributes, error) {
	args := m.Called(ctx, name, attrs, now)
	return args.Get(0).(store.QueueAttributes), args.Error(1)
}
func (m *mockStore) DeleteQueue(ctx context.Context, name string, now time.Time) error {
	return m.Called(ctx, name, now).Error(0)
}
func (m *mockStore) ListQueues(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	names, _ := args.Get(0).([]string)
	return names, args.Error(1)
}
func (m *mockStore) GetQueueAttributes(ctx context.Context, name string) (store.QueueAttributes, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(store.QueueAttributes), args.Error(1)
}
func (m *mockStore) SetQueueAttributes(ctx context.Context, name string, attrs store.QueueAttributes) error {
	return m.Called(ctx, name, attrs).Error(0)
}
func (m *mockStore) QueueDepth(ctx context.Context, name string, now time.Time) (int, int, int, error) {
	args := m.Called(ctx, name, now)
	return args.Int(0), args.Int(1), args.Int(2), args.Error(3)
}
func (m *mockStore) Enqueue(ctx context.Context, queueName string, draft store.MessageDraft, now time.Time) (store.EnqueueResult, error) {
	args := m.Called(ctx, queueName, draft, now)
	return args.Get(0).(store.EnqueueResult), args.Error(1)
}
func (m *mockStore) EnqueueBatch(ctx context.Context, queueName string, drafts []store.MessageDraft, now time.Time) ([]store.EnqueueResult, error) {
	args := m.Called(ctx, queueName, drafts, now)
	res, _ := args.Get(0).([]store.EnqueueResult)
	return res, args.Error(1)
}
func (m *mockStore) Claim(ctx context.Context, queueName string, maxCount int, now time.Time, visibility time.Duration) ([]store.Message, error) {
	args := m.Called(ctx, queueName, maxCount, now, visibility)
	msgs, _ := args.Get(0).([]store.Message)
	return msgs, args.Error(1)
}
func (m *mockStore) AckDelete(ctx context.Context, queueName string, receiptHandle string) error {
	return m.Called(ctx, queueName, receiptHandle).Error(0)
}
func (m *mockStore) ChangeVisibility(ctx context.Context, queueName string, receiptHandle string, newVisibility time.Duration, now time.Time) error {
	return m.Called(ctx, queueName, receiptHandle, newVisibility, now).Error(0)
}
func (m *mockStore) ReleaseExpired(ctx context.Context, now time.Time) (store.ReleaseOutcome, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(store.ReleaseOutcome), args.Error(1)
}
func (m *mockStore) PurgeExpired(ctx context.Context, now time.Time) error {
	return m.Called(ctx, now).Error(0)
}
func (m *mockStore) PurgeQueue(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}
func (m *mockStore) Close() error {
	return m.Called().Error(0)
}

func fifoAttrs(contentDedup bool) store.QueueAttributes {
	return store.QueueAttributes{Name: "orders.fifo", IsFifo: true, VisibilityTimeoutS: 30, MessageRetentionS: 3600, MaxMessageBytes: 1024, ContentBasedDedup: contentDedup}
}

func standardAttrs() store.QueueAttributes {
	return store.QueueAttributes{Name: "orders", VisibilityTimeoutS: 30, MessageRetentionS: 3600, MaxMessageBytes: 1024}
}

func TestSendMessage_FifoRequiresGroupID(t *testing.T) {
	ms := &mockStore{}
	ms.On("GetQueueAttributes", mock.Anything, "orders.fifo").Return(fifoAttrs(true), nil)
	svc := New(ms, waitregistry.New(), "http://localhost:9324", nil)

	_, err := svc.SendMessage(context.Background(), models.SendMessageRequest{
		QueueUrl:    "http://localhost:9324/queue/orders.fifo",
		MessageBody: "hello",
	})
	require.ErrorIs(t, err, ErrFifoRequiresGroupID)
	ms.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMessage_FifoRejectsPerMessageDelay(t *testing.T) {
	ms := &mockStore{}
	ms.On("GetQueueAttributes", mock.Anything, "orders.fifo").Return(fifoAttrs(true), nil)
	svc := New(ms, waitregistry.New(), "http://localhost:9324", nil)

	delay := 5
	_, err := svc.SendMessage(context.Background(), models.SendMessageRequest{
		QueueUrl:       "http://localhost:9324/queue/orders.fifo",
		MessageBody:    "hello",
		MessageGroupId: "g1",
		DelaySeconds:   &delay,
	})
	require.ErrorIs(t, err, ErrFifoDelayNotSupported)
}

func TestSendMessage_FifoContentBasedDeduplicationComputesID(t *testing.T) {
	ms := &mockStore{}
	ms.On("GetQueueAttributes", mock.Anything, "orders.fifo").Return(fifoAttrs(true), nil)

	body := "hello"
	expectedDedup := sha256.Sum256([]byte(body))
	expectedDedupHex := hex.EncodeToString(expectedDedup[:])

	ms.On("Enqueue", mock.Anything, "orders.fifo", mock.MatchedBy(func(d store.MessageDraft) bool {
		return d.DeduplicationID == expectedDedupHex && d.MessageGroupID == "g1"
	}), mock.Anything).Return(store.EnqueueResult{MessageID: "m1", SequenceNumber: "1"}, nil)

	svc := New(ms, waitregistry.New(), "http://localhost:9324", nil)
	resp, err := svc.SendMessage(context.Background(), models.SendMessageRequest{
		QueueUrl:       "http://localhost:9324/queue/orders.fifo",
		MessageBody:    body,
		MessageGroupId: "g1",
	})
	require.NoError(t, err)
	require.Equal(t, "m1", resp.MessageId)
	require.NotNil(t, resp.SequenceNumber)
	ms.AssertExpectations(t)
}

func TestSendMessage_FifoWithoutContentBasedDedupRequiresExplicitID(t *testing.T) {
	ms := &mockStore{}
	ms.On("GetQueueAttributes", mock.Anything, "orders.fifo").Return(fifoAttrs(false), nil)
	svc := New(ms, waitregistry.New(), "http://localhost:9324", nil)

	_, err := svc.SendMessage(context.Background(), models.SendMessageRequest{
		QueueUrl:       "http://localhost:9324/queue/orders.fifo",
		MessageBody:    "hello",
		MessageGroupId: "g1",
	})
	require.ErrorIs(t, err, ErrFifoRequiresDedupID)
}

func TestSendMessage_StandardQueueRejectsFifoParameters(t *testing.T) {
	ms := &mockStore{}
	ms.On("GetQueueAttributes", mock.Anything, "orders").Return(standardAttrs(), nil)
	svc := New(ms, waitregistry.New(), "http://localhost:9324", nil)

	_, err := svc.SendMessage(context.Background(), models.SendMessageRequest{
		QueueUrl:       "http://localhost:9324/queue/orders",
		MessageBody:    "hello",
		MessageGroupId: "g1",
	})
	require.ErrorIs(t, err, ErrNotFifoParameter)
}

func TestCreateQueue_RejectsRedrivePolicyWithMissingTarget(t *testing.T) {
	ms := &mockStore{}
	ms.On("GetQueueAttributes", mock.Anything, "dlq").Return(store.QueueAttributes{}, store.ErrQueueNotFound)
	svc := New(ms, waitregistry.New(), "http://localhost:9324", nil)

	_, err := svc.CreateQueue(context.Background(), models.CreateQueueRequest{
		QueueName:  "orders",
		Attributes: map[string]string{"RedrivePolicy": `{"deadLetterTargetArn":"arn:aws:sqs:local:000000000000:dlq","maxReceiveCount":5}`},
	})
	require.ErrorIs(t, err, ErrRedriveTargetNotFound)
	ms.AssertNotCalled(t, "CreateQueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateQueue_RejectsRedrivePolicyTargetingAnotherDLQ(t *testing.T) {
	ms := &mockStore{}
	targetAttrs := standardAttrs()
	targetAttrs.Name = "dlq"
	targetAttrs.RedrivePolicy = &store.RedrivePolicy{DeadLetterTargetArn: "arn:aws:sqs:local:000000000000:dlq2", MaxReceiveCount: 3}
	ms.On("GetQueueAttributes", mock.Anything, "dlq").Return(targetAttrs, nil)
	svc := New(ms, waitregistry.New(), "http://localhost:9324", nil)

	_, err := svc.CreateQueue(context.Background(), models.CreateQueueRequest{
		QueueName:  "orders",
		Attributes: map[string]string{"RedrivePolicy": `{"deadLetterTargetArn":"arn:aws:sqs:local:000000000000:dlq","maxReceiveCount":5}`},
	})
	require.ErrorIs(t, err, ErrRedriveTargetHasPolicy)
}

func TestCreateQueue_AcceptsRedrivePolicyWithValidTarget(t *testing.T) {
	ms := &mockStore{}
	ms.On("GetQueueAttributes", mock.Anything, "dlq").Return(standardAttrs(), nil)
	ms.On("CreateQueue", mock.Anything, "orders", mock.Anything, mock.Anything).Return(store.QueueAttributes{}, nil)
	svc := New(ms, waitregistry.New(), "http://localhost:9324", nil)

	_, err := svc.CreateQueue(context.Background(), models.CreateQueueRequest{
		QueueName:  "orders",
		Attributes: map[string]string{"RedrivePolicy": `{"deadLetterTargetArn":"arn:aws:sqs:local:000000000000:dlq","maxReceiveCount":5}`},
	})
	require.NoError(t, err)
}

func TestSendMessageBatch_RejectsTooManyEntries(t *testing.T) {
	svc := New(&mockStore{}, waitregistry.New(), "http://localhost:9324", nil)
	entries := make([]models.SendMessageBatchRequestEntry, 11)
	for i := range entries {
		entries[i] = models.SendMessageBatchRequestEntry{Id: string(rune('a' + i)), MessageBody: "x"}
	}
	_, err := svc.SendMessageBatch(context.Background(), models.SendMessageBatchRequest{QueueUrl: "http://localhost:9324/queue/orders", Entries: entries})
	require.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestSendMessageBatch_RejectsDuplicateIDs(t *testing.T) {
	svc := New(&mockStore{}, waitregistry.New(), "http://localhost:9324", nil)
	entries := []models.SendMessageBatchRequestEntry{
		{Id: "1", MessageBody: "a"},
		{Id: "1", MessageBody: "b"},
	}
	_, err := svc.SendMessageBatch(context.Background(), models.SendMessageBatchRequest{QueueUrl: "http://localhost:9324/queue/orders", Entries: entries})
	require.ErrorIs(t, err, ErrDuplicateBatchID)
}

func TestResolveQueueURL_PathAndBodyAgreeingQueueNameIsAccepted(t *testing.T) {
	svc := New(&mockStore{}, waitregistry.New(), "http://localhost:9324", nil)
	resolved, err := svc.ResolveQueueURL("orders", "http://localhost:9324/queue/orders")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:9324/queue/orders", resolved)
}

func TestResolveQueueURL_PathAndBodyDisagreeingQueueNameIsRejected(t *testing.T) {
	svc := New(&mockStore{}, waitregistry.New(), "http://localhost:9324", nil)
	_, err := svc.ResolveQueueURL("orders", "http://localhost:9324/queue/other")
	require.ErrorIs(t, err, ErrQueueURLMismatch)
}

func TestResolveQueueURL_PathOnlyFillsInQueueURL(t *testing.T) {
	svc := New(&mockStore{}, waitregistry.New(), "http://localhost:9324", nil)
	resolved, err := svc.ResolveQueueURL("orders", "")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:9324/queue/orders", resolved)
}

func TestResolveQueueName_PathAndBodyDisagreeingNameIsRejected(t *testing.T) {
	_, err := ResolveQueueName("orders", "other")
	require.ErrorIs(t, err, ErrQueueURLMismatch)
}

func TestReceiveMessage_ReturnsImmediatelyWhenMessagesAreAvailable(t *testing.T) {
	ms := &mockStore{}
	ms.On("GetQueueAttributes", mock.Anything, "orders").Return(standardAttrs(), nil)
	ms.On("Claim", mock.Anything, "orders", mock.Anything, mock.Anything, mock.Anything).
		Return([]store.Message{{ID: "m1", Body: []byte("x"), ReceiptHandle: "h1"}}, nil)

	svc := New(ms, waitregistry.New(), "http://localhost:9324", nil)
	resp, err := svc.ReceiveMessage(context.Background(), models.ReceiveMessageRequest{QueueUrl: "http://localhost:9324/queue/orders"})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	require.Equal(t, "m1", resp.Messages[0].MessageId)
}

func TestReceiveMessage_LongPollReturnsAfterNotify(t *testing.T) {
	ms := &mockStore{}
	ms.On("GetQueueAttributes", mock.Anything, "orders").Return(standardAttrs(), nil)
	ms.On("Claim", mock.Anything, "orders", mock.Anything, mock.Anything, mock.Anything).
		Return([]store.Message{}, nil).Once()
	ms.On("Claim", mock.Anything, "orders", mock.Anything, mock.Anything, mock.Anything).
		Return([]store.Message{{ID: "m1", Body: []byte("x"), ReceiptHandle: "h1"}}, nil)

	registry := waitregistry.New()
	svc := New(ms, registry, "http://localhost:9324", nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		registry.Notify("orders")
	}()

	wait := 2
	resp, err := svc.ReceiveMessage(context.Background(), models.ReceiveMessageRequest{
		QueueUrl:        "http://localhost:9324/queue/orders",
		WaitTimeSeconds: &wait,
	})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
}

func TestReceiveMessage_TimesOutWithNoMessages(t *testing.T) {
	ms := &mockStore{}
	ms.On("GetQueueAttributes", mock.Anything, "orders").Return(standardAttrs(), nil)
	ms.On("Claim", mock.Anything, "orders", mock.Anything, mock.Anything, mock.Anything).Return([]store.Message{}, nil)

	svc := New(ms, waitregistry.New(), "http://localhost:9324", nil)
	wait := 0
	resp, err := svc.ReceiveMessage(context.Background(), models.ReceiveMessageRequest{
		QueueUrl:        "http://localhost:9324/queue/orders",
		WaitTimeSeconds: &wait,
	})
	require.NoError(t, err)
	require.Empty(t, resp.Messages)
}
