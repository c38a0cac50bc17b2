package router

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/broker"
	"github.com/chris-alexander-pop/reliable-bus/pkg/envelope"
	appErrors "github.com/chris-alexander-pop/reliable-bus/pkg/errors"
	"github.com/chris-alexander-pop/reliable-bus/pkg/retry"
	"github.com/chris-alexander-pop/reliable-bus/pkg/topology"
	"github.com/stretchr/testify/require"
)

func newTestTopology(t *testing.T) (*topology.Manager, broker.Broker) {
	t.Helper()
	b := broker.NewMemoryBroker()
	m := topology.New(b, topology.StreamSpec{Env: "test", AppName: "shop"}, nil)
	require.NoError(t, m.EnsureStreams(context.Background()))
	return m, b
}

func publishEnvelope(t *testing.T, b broker.Broker, subject string, env *envelope.Envelope) {
	t.Helper()
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), subject, payload, map[string]string{"nats-msg-id": env.EventID})
	require.NoError(t, err)
}

func fetchOne(t *testing.T, b broker.Broker, stream, filterSubject string) broker.Message {
	t.Helper()
	sub, err := b.PullSubscribe(context.Background(), stream, filterSubject, "test-reader", broker.ConsumerConfig{
		Durable: "test-reader", FilterSubject: filterSubject, MaxDeliver: 5, AckWait: time.Second,
	})
	require.NoError(t, err)
	msgs, err := sub.Fetch(context.Background(), 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestDispatchJointAckSucceedsWhenAllHandlersSucceed(t *testing.T) {
	m, b := newTestTopology(t)
	env, err := envelope.BuildTopicEnvelope("shop-api", "order.created", nil, envelope.BuildOptions{EventID: "evt-1"})
	require.NoError(t, err)
	publishEnvelope(t, b, "test.shop.order.created", env)
	msg := fetchOne(t, b, m.StreamName(), "test.shop.order.created")

	var calls int32
	handler := func(ctx context.Context, e *envelope.Envelope, mctx envelope.MessageContext) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	group := &Group{Pattern: "order.created", Opts: Options{MaxDeliver: 5}.withDefaults(),
		bindings: []binding{{handler: handler, opts: Options{MaxDeliver: 5}.withDefaults()}, {handler: handler, opts: Options{MaxDeliver: 5}.withDefaults()}}}

	dispatch(context.Background(), group, msg, nil, nil)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDispatchNaksAndRequeuesOnTransientFailure(t *testing.T) {
	m, b := newTestTopology(t)
	env, err := envelope.BuildTopicEnvelope("shop-api", "order.created", nil, envelope.BuildOptions{EventID: "evt-2"})
	require.NoError(t, err)
	publishEnvelope(t, b, "test.shop.order.created", env)
	msg := fetchOne(t, b, m.StreamName(), "test.shop.order.created")

	handler := func(ctx context.Context, e *envelope.Envelope, mctx envelope.MessageContext) error {
		return appErrors.New(appErrors.CodeTransientIO, "broker hiccup", nil)
	}
	group := &Group{Pattern: "order.created", Opts: Options{MaxDeliver: 5}.withDefaults(),
		bindings: []binding{{handler: handler, opts: Options{MaxDeliver: 5}.withDefaults()}}}

	dispatch(context.Background(), group, msg, nil, nil)

	redelivered := fetchOne(t, b, m.StreamName(), "test.shop.order.created")
	require.Equal(t, 2, redelivered.DeliveryCount())
}

func TestDispatchDLQsWhenMaxAttemptsReached(t *testing.T) {
	m, b := newTestTopology(t)
	env, err := envelope.BuildTopicEnvelope("shop-api", "order.created", nil, envelope.BuildOptions{EventID: "evt-3"})
	require.NoError(t, err)
	publishEnvelope(t, b, "test.shop.order.created", env)
	msg := fetchOne(t, b, m.StreamName(), "test.shop.order.created")

	opts := Options{MaxDeliver: 1}.withDefaults()
	handler := func(ctx context.Context, e *envelope.Envelope, mctx envelope.MessageContext) error {
		return appErrors.New(appErrors.CodeTransientIO, "still broken", nil)
	}
	group := &Group{Pattern: "order.created", Opts: opts, bindings: []binding{{handler: handler, opts: opts}}}

	dlq := retry.NewDLQPublisher(b, m.DLQSubject(), retry.DLQConfig{})
	dispatch(context.Background(), group, msg, nil, dlq)

	dlqMsg := fetchOne(t, b, m.StreamName()+"-dlq", m.DLQSubject())
	var got retry.DLQEnvelope
	require.NoError(t, json.Unmarshal(dlqMsg.Data(), &got))
	require.Equal(t, "evt-3", got.Original.EventID)
	require.Equal(t, retry.ClassTransient, got.ErrorClass)
}

func TestDispatchDiscardsMalformedPayload(t *testing.T) {
	m, b := newTestTopology(t)
	_, err := b.Publish(context.Background(), "test.shop.order.created", []byte("not json"), map[string]string{"nats-msg-id": "evt-4"})
	require.NoError(t, err)
	msg := fetchOne(t, b, m.StreamName(), "test.shop.order.created")

	called := false
	handler := func(ctx context.Context, e *envelope.Envelope, mctx envelope.MessageContext) error {
		called = true
		return nil
	}
	group := &Group{Pattern: "order.created", Opts: Options{}.withDefaults(), bindings: []binding{{handler: handler, opts: Options{}.withDefaults()}}}

	dispatch(context.Background(), group, msg, nil, nil)
	require.False(t, called, "handler must not run for an undecodable payload")
}

func TestPoolStartDispatchesAndStopIsCooperative(t *testing.T) {
	m, b := newTestTopology(t)

	var mu sync.Mutex
	var received []string
	handler := func(ctx context.Context, e *envelope.Envelope, mctx envelope.MessageContext) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e.EventID)
		return nil
	}

	registry := New().Add("order.created", handler, Options{Concurrency: 1})
	pool := NewPool(b, m, "test", "shop", nil, nil, registry)

	require.NoError(t, pool.Start(context.Background()))

	env, err := envelope.BuildTopicEnvelope("shop-api", "order.created", nil, envelope.BuildOptions{EventID: "evt-pool-1"})
	require.NoError(t, err)
	publishEnvelope(t, b, "test.shop.order.created", env)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	require.Equal(t, []string{"evt-pool-1"}, received)
	mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))
}
