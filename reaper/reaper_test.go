package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tabeth/sqslocal/store"
	"github.com/tabeth/sqslocal/waitregistry"
)

// mockStore implements store.Store, in the manner of the teacher's
// mock_store_test.go, but only the methods the Reaper actually calls are
// ever configured with expectations in these tests.
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

func TestReaper_NotifiesAffectedQueuesAfterSweep(t *testing.T) {
	ms := &mockStore{}
	fixedNow := time.Unix(1700000000, 0)
	ms.On("ReleaseExpired", mock.Anything, fixedNow).Return(store.ReleaseOutcome{AffectedQueues: map[string]struct{}{"orders": {}}}, nil)
	ms.On("PurgeExpired", mock.Anything, fixedNow).Return(nil)

	registry := waitregistry.New()
	woken := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		woken <- registry.Wait(ctx, "orders")
	}()
	time.Sleep(10 * time.Millisecond)

	r := New(ms, registry, 10*time.Millisecond, func() time.Time { return fixedNow })
	r.Start()
	defer r.Stop()

	select {
	case ok := <-woken:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("reaper did not wake the waiter on the affected queue")
	}

	ms.AssertExpectations(t)
}

func TestReaper_StopIsIdempotentAndBlocksUntilLoopExits(t *testing.T) {
	ms := &mockStore{}
	ms.On("ReleaseExpired", mock.Anything, mock.Anything).Return(store.ReleaseOutcome{}, nil).Maybe()
	ms.On("PurgeExpired", mock.Anything, mock.Anything).Return(nil).Maybe()

	r := New(ms, waitregistry.New(), 5*time.Millisecond, nil)
	r.Start()
	r.Stop()
	r.Stop() // must not panic or deadlock
}
