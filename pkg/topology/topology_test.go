package topology

import (
	"context"
	"testing"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurableNameSanitization(t *testing.T) {
	cases := []struct {
		pattern string
		want    string
	}{
		{"order.>", "shop-order-all"},
		{"order.*", "shop-order-wildcard"},
		{"order.created", "shop-order-created"},
		{"order created!", "shop-ordercreated"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, DurableName("shop", c.pattern))
	}
}

func TestDurableNameTruncatesTo100Chars(t *testing.T) {
	longPattern := "a.very.long.pattern.with.many.many.many.many.many.many.many.many.many.many.many.many.many.tokens"
	name := DurableName("shop", longPattern)
	assert.LessOrEqual(t, len(name), 100)
}

func TestEnsureStreamsCreatesMainAndDLQ(t *testing.T) {
	b := broker.NewMemoryBroker()
	m := New(b, StreamSpec{Env: "test", AppName: "shop"}, nil)

	require.NoError(t, m.EnsureStreams(context.Background()))

	_, err := b.StreamInfo(context.Background(), m.StreamName())
	require.NoError(t, err)

	_, err = b.StreamInfo(context.Background(), m.StreamName()+"-dlq")
	require.NoError(t, err)
	assert.Equal(t, "test.shop.dlq", m.DLQSubject())
}

func TestReconcileAllCreatesMissingConsumer(t *testing.T) {
	b := broker.NewMemoryBroker()
	m := New(b, StreamSpec{Env: "test", AppName: "shop"}, nil)
	require.NoError(t, m.EnsureStreams(context.Background()))

	subs := []Subscription{{Pattern: "order.created", MaxDeliver: 5, AckWait: 30 * time.Second, BackoffMS: []int64{100, 500}}}
	require.NoError(t, m.ReconcileAll(context.Background(), subs))

	info, err := b.ConsumerInfo(context.Background(), m.StreamName(), DurableName("shop", "order.created"))
	require.NoError(t, err)
	assert.Equal(t, 5, info.MaxDeliver)
}

func TestReconcileAllRecreatesDriftedConsumer(t *testing.T) {
	b := broker.NewMemoryBroker()
	m := New(b, StreamSpec{Env: "test", AppName: "shop"}, nil)
	require.NoError(t, m.EnsureStreams(context.Background()))

	durable := DurableName("shop", "order.created")
	require.NoError(t, b.AddConsumer(context.Background(), m.StreamName(), broker.ConsumerConfig{
		Durable: durable, FilterSubject: "test.shop.order.created", MaxDeliver: 1, AckWait: 10 * time.Second,
	}))

	subs := []Subscription{{Pattern: "order.created", MaxDeliver: 5, AckWait: 30 * time.Second, BackoffMS: []int64{100}}}
	require.NoError(t, m.ReconcileAll(context.Background(), subs))

	info, err := b.ConsumerInfo(context.Background(), m.StreamName(), durable)
	require.NoError(t, err)
	assert.Equal(t, 5, info.MaxDeliver)
}
