package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStream(t *testing.T, b *MemoryBroker, name string, subjects ...string) {
	t.Helper()
	require.NoError(t, b.AddStream(context.Background(), StreamConfig{Name: name, Subjects: subjects}))
}

func TestMemoryBrokerPublishDedupesByMessageID(t *testing.T) {
	b := NewMemoryBroker()
	newTestStream(t, b, "test-shop", "test.shop.>")

	ack1, err := b.Publish(context.Background(), "test.shop.order.created", []byte("{}"), map[string]string{"nats-msg-id": "evt-1"})
	require.NoError(t, err)
	assert.False(t, ack1.Duplicate)

	ack2, err := b.Publish(context.Background(), "test.shop.order.created", []byte("{}"), map[string]string{"nats-msg-id": "evt-1"})
	require.NoError(t, err)
	assert.True(t, ack2.Duplicate)
}

func TestMemoryBrokerFetchRoutesByFilterSubject(t *testing.T) {
	b := NewMemoryBroker()
	newTestStream(t, b, "test-shop", "test.shop.>")

	_, err := b.Publish(context.Background(), "test.shop.order.created", []byte("payload"), map[string]string{"nats-msg-id": "evt-1"})
	require.NoError(t, err)

	sub, err := b.PullSubscribe(context.Background(), "test-shop", "test.shop.order.*", "test-shop-order-wildcard", ConsumerConfig{MaxDeliver: 5})
	require.NoError(t, err)

	msgs, err := sub.Fetch(context.Background(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "test.shop.order.created", msgs[0].Subject())
	assert.Equal(t, []byte("payload"), msgs[0].Data())
	assert.Equal(t, 1, msgs[0].DeliveryCount())
}

func TestMemoryBrokerNakRequeuesWithIncrementedAttempts(t *testing.T) {
	b := NewMemoryBroker()
	newTestStream(t, b, "test-shop", "test.shop.>")
	_, err := b.Publish(context.Background(), "test.shop.order.created", []byte("payload"), nil)
	require.NoError(t, err)

	sub, err := b.PullSubscribe(context.Background(), "test-shop", "test.shop.>", "test-shop-all", ConsumerConfig{MaxDeliver: 5})
	require.NoError(t, err)

	msgs, err := sub.Fetch(context.Background(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, msgs[0].Nak(0))

	redelivered, err := sub.Fetch(context.Background(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, 2, redelivered[0].DeliveryCount())
}

func TestMemoryBrokerOverlappingDurablesEachReceiveOwnCopy(t *testing.T) {
	b := NewMemoryBroker()
	newTestStream(t, b, "test-shop", "test.shop.>")

	_, err := b.Publish(context.Background(), "test.shop.order.created", []byte("payload"), map[string]string{"nats-msg-id": "evt-1"})
	require.NoError(t, err)

	wildcard, err := b.PullSubscribe(context.Background(), "test-shop", "test.shop.order.*", "test-shop-order-wildcard", ConsumerConfig{MaxDeliver: 5})
	require.NoError(t, err)
	exact, err := b.PullSubscribe(context.Background(), "test-shop", "test.shop.order.created", "test-shop-order-created", ConsumerConfig{MaxDeliver: 5})
	require.NoError(t, err)

	wildcardMsgs, err := wildcard.Fetch(context.Background(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, wildcardMsgs, 1, "first overlapping durable must receive the matching message")
	assert.Equal(t, 1, wildcardMsgs[0].DeliveryCount())

	exactMsgs, err := exact.Fetch(context.Background(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, exactMsgs, 1, "second overlapping durable must independently receive its own copy")
	assert.Equal(t, 1, exactMsgs[0].DeliveryCount())

	require.NoError(t, wildcardMsgs[0].Nak(0))
	redelivered, err := wildcard.Fetch(context.Background(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, 2, redelivered[0].DeliveryCount(), "nak on one durable must not affect the other's attempt count")

	noSecondRedelivery, err := exact.Fetch(context.Background(), 10, time.Second)
	require.NoError(t, err)
	assert.Empty(t, noSecondRedelivery, "the other durable never nak'd its copy and has nothing left to redeliver")
}

func TestMemoryBrokerPublishWithoutMatchingStreamFails(t *testing.T) {
	b := NewMemoryBroker()
	_, err := b.Publish(context.Background(), "test.shop.order.created", []byte("{}"), nil)
	require.Error(t, err)
}

func TestMemoryBrokerConsumerInfoRoundTrip(t *testing.T) {
	b := NewMemoryBroker()
	newTestStream(t, b, "test-shop", "test.shop.>")

	cfg := ConsumerConfig{Durable: "test-shop-all", FilterSubject: "test.shop.>", MaxDeliver: 5, AckWait: 30 * time.Second, BackoffMS: []int64{100, 500}}
	require.NoError(t, b.AddConsumer(context.Background(), "test-shop", cfg))

	info, err := b.ConsumerInfo(context.Background(), "test-shop", "test-shop-all")
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxDeliver, info.MaxDeliver)
	assert.Equal(t, cfg.BackoffMS, info.BackoffMS)

	require.NoError(t, b.DeleteConsumer(context.Background(), "test-shop", "test-shop-all"))
	_, err = b.ConsumerInfo(context.Background(), "test-shop", "test-shop-all")
	require.Error(t, err)
}
