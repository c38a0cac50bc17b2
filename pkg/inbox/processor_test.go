package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/envelope"
	"github.com/chris-alexander-pop/reliable-bus/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	subject    string
	stream     string
	seq        uint64
	deliveries int
}

func (m *fakeMessage) Subject() string               { return m.subject }
func (m *fakeMessage) Data() []byte                   { return nil }
func (m *fakeMessage) Headers() map[string]string     { return nil }
func (m *fakeMessage) Stream() string                 { return m.stream }
func (m *fakeMessage) Sequence() uint64               { return m.seq }
func (m *fakeMessage) DeliveryCount() int             { return m.deliveries }
func (m *fakeMessage) Ack() error                     { return nil }
func (m *fakeMessage) Nak(delay time.Duration) error  { return nil }
func (m *fakeMessage) Term() error                    { return nil }

func TestProcessInvokesHandlerExactlyOnce(t *testing.T) {
	store := NewMemoryStore()
	p := New(store)

	env, err := envelope.BuildTopicEnvelope("shop-api", "order.created", nil, envelope.BuildOptions{EventID: "evt-1"})
	require.NoError(t, err)
	msg := &fakeMessage{subject: "test.shop.order.created", stream: "test-shop", seq: 1, deliveries: 1}

	invocations := 0
	handler := func(ctx context.Context, env *envelope.Envelope, mctx envelope.MessageContext) error {
		invocations++
		assert.Equal(t, "order.created", mctx.Topic)
		return nil
	}

	acked, err := p.Process(context.Background(), msg, env, "order.created", handler)
	require.NoError(t, err)
	assert.True(t, acked)
	assert.Equal(t, 1, invocations)
}

func TestProcessShortCircuitsOnRedelivery(t *testing.T) {
	store := NewMemoryStore()
	p := New(store)

	env, err := envelope.BuildTopicEnvelope("shop-api", "order.created", nil, envelope.BuildOptions{EventID: "evt-1"})
	require.NoError(t, err)

	invocations := 0
	handler := func(ctx context.Context, env *envelope.Envelope, mctx envelope.MessageContext) error {
		invocations++
		return nil
	}

	first := &fakeMessage{subject: "test.shop.order.created", stream: "test-shop", seq: 1, deliveries: 1}
	acked, err := p.Process(context.Background(), first, env, "order.created", handler)
	require.NoError(t, err)
	require.True(t, acked)

	redelivery := &fakeMessage{subject: "test.shop.order.created", stream: "test-shop", seq: 1, deliveries: 2}
	acked, err = p.Process(context.Background(), redelivery, env, "order.created", handler)
	require.NoError(t, err)
	assert.True(t, acked)
	assert.Equal(t, 1, invocations, "handler must not run twice for the same event_id")
}

func TestProcessPropagatesHandlerFailure(t *testing.T) {
	store := NewMemoryStore()
	p := New(store)

	env, err := envelope.BuildTopicEnvelope("shop-api", "order.created", nil, envelope.BuildOptions{EventID: "evt-fail"})
	require.NoError(t, err)
	msg := &fakeMessage{subject: "test.shop.order.created", stream: "test-shop", seq: 1, deliveries: 1}

	wantErr := errors.New(errors.CodeUnrecoverable, "boom", nil)
	handler := func(ctx context.Context, env *envelope.Envelope, mctx envelope.MessageContext) error {
		return wantErr
	}

	acked, err := p.Process(context.Background(), msg, env, "order.created", handler)
	assert.False(t, acked)
	assert.ErrorIs(t, err, wantErr)

	row, existed, findErr := store.FindOrCreate(context.Background(), Key{Group: "order.created", EventID: "evt-fail"}, "test.shop.order.created")
	require.NoError(t, findErr)
	assert.True(t, existed)
	assert.Equal(t, StatusFailed, row.Status)
}

func TestProcessFallsBackToStreamSeqWhenEventIDAbsent(t *testing.T) {
	store := NewMemoryStore()
	p := New(store)

	env := &envelope.Envelope{SchemaVersion: 1, Producer: "shop-api", Topic: "order.created", Message: map[string]any{}}
	msg := &fakeMessage{subject: "test.shop.order.created", stream: "test-shop", seq: 42, deliveries: 1}

	invocations := 0
	handler := func(ctx context.Context, env *envelope.Envelope, mctx envelope.MessageContext) error {
		invocations++
		return nil
	}

	acked, err := p.Process(context.Background(), msg, env, "order.created", handler)
	require.NoError(t, err)
	assert.True(t, acked)
	assert.Equal(t, 1, invocations)

	_, existed, findErr := store.FindOrCreate(context.Background(), Key{Group: "order.created", Stream: "test-shop", StreamSeq: 42}, "test.shop.order.created")
	require.NoError(t, findErr)
	assert.True(t, existed)
}
