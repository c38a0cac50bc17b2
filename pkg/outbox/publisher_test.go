package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/broker"
	"github.com/chris-alexander-pop/reliable-bus/pkg/concurrency/distlock/adapters/memory"
	"github.com/chris-alexander-pop/reliable-bus/pkg/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T) (*Publisher, *broker.MemoryBroker, *MemoryStore) {
	t.Helper()
	b := broker.NewMemoryBroker()
	require.NoError(t, b.AddStream(context.Background(), broker.StreamConfig{Name: "test-shop", Subjects: []string{"test.shop.>"}}))
	store := NewMemoryStore()
	pub := New(b, store, memory.New(), Config{})
	return pub, b, store
}

func TestPublishStoresThenEmits(t *testing.T) {
	pub, b, store := newTestPublisher(t)

	env, err := envelope.BuildTopicEnvelope("shop-api", "order.created", map[string]any{"order_id": "1"}, envelope.BuildOptions{})
	require.NoError(t, err)

	result := pub.Publish(context.Background(), "test.shop.order.created", env)
	assert.True(t, result.Success)

	row, existed, err := store.FindOrCreateByEventID(context.Background(), env.EventID, "test.shop.order.created", nil, nil)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, StatusSent, row.Status)
	assert.NotNil(t, row.SentAt)

	sub, err := b.PullSubscribe(context.Background(), "test-shop", "test.shop.>", "test-shop-all", broker.ConsumerConfig{MaxDeliver: 5})
	require.NoError(t, err)
	msgs, err := sub.Fetch(context.Background(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, env.EventID, msgs[0].Headers()["nats-msg-id"])
}

func TestPublishIsIdempotentOnRepeatedEventID(t *testing.T) {
	pub, b, _ := newTestPublisher(t)

	env, err := envelope.BuildTopicEnvelope("shop-api", "order.created", nil, envelope.BuildOptions{})
	require.NoError(t, err)

	first := pub.Publish(context.Background(), "test.shop.order.created", env)
	second := pub.Publish(context.Background(), "test.shop.order.created", env)
	require.True(t, first.Success)
	require.True(t, second.Success)

	sub, err := b.PullSubscribe(context.Background(), "test-shop", "test.shop.>", "test-shop-all", broker.ConsumerConfig{MaxDeliver: 5})
	require.NoError(t, err)
	msgs, err := sub.Fetch(context.Background(), 10, time.Second)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "the sent outbox row must short-circuit the repeat publish so only one copy reaches the broker")
}

func TestPublishRejectsInvalidEnvelope(t *testing.T) {
	pub, _, _ := newTestPublisher(t)
	env := &envelope.Envelope{}
	result := pub.Publish(context.Background(), "test.shop.order.created", env)
	assert.False(t, result.Success)
	assert.Equal(t, ReasonValidationError, result.Reason)
}

func TestRecoverySweepResetsStalePublishingRows(t *testing.T) {
	b := broker.NewMemoryBroker()
	store := NewMemoryStore()
	pub := New(b, store, memory.New(), Config{StalenessWindow: time.Millisecond})

	_, _, err := store.FindOrCreateByEventID(context.Background(), "evt-stuck", "test.shop.order.created", []byte("{}"), nil)
	require.NoError(t, err)
	_, err = store.MarkPublishing(context.Background(), "evt-stuck")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	reset, err := pub.RunRecoverySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	row, _, err := store.FindOrCreateByEventID(context.Background(), "evt-stuck", "test.shop.order.created", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, row.Status)
}

func TestPublishBatchReportsPartialFailure(t *testing.T) {
	pub, _, _ := newTestPublisher(t)

	items := []BatchItem{
		{Topic: "order.created", Message: map[string]any{"order_id": "1"}},
		{Topic: "", Message: map[string]any{"order_id": "2"}},
	}
	result := pub.PublishBatch(context.Background(), "test", "shop", "shop-api", items)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
}
