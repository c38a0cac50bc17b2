package retry

import (
	"context"
	"testing"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/broker"
	"github.com/chris-alexander-pop/reliable-bus/pkg/envelope"
	appErrors "github.com/chris-alexander-pop/reliable-bus/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyMapsErrorCodes(t *testing.T) {
	assert.Equal(t, ClassMalformed, Classify(appErrors.New(appErrors.CodeInvalidEnvelope, "bad", nil)))
	assert.Equal(t, ClassUnrecoverable, Classify(appErrors.New(appErrors.CodeUnrecoverable, "bad", nil)))
	assert.Equal(t, ClassTransient, Classify(appErrors.New(appErrors.CodeTransientIO, "bad", nil)))
	assert.Equal(t, ClassTransient, Classify(appErrors.New("SOMETHING_ELSE", "bad", nil)))
}

func TestDecideDefaultPolicy(t *testing.T) {
	malformed := appErrors.New(appErrors.CodeInvalidEnvelope, "bad", nil)
	assert.Equal(t, DecisionAck, Decide(context.Background(), ErrorContext{Error: malformed, MaxAttempts: 5, AttemptNumber: 1}, nil))

	unrecoverable := appErrors.New(appErrors.CodeUnrecoverable, "bad", nil)
	assert.Equal(t, DecisionDLQ, Decide(context.Background(), ErrorContext{Error: unrecoverable, MaxAttempts: 5, AttemptNumber: 1}, nil))

	transient := appErrors.New(appErrors.CodeTransientIO, "bad", nil)
	assert.Equal(t, DecisionNak, Decide(context.Background(), ErrorContext{Error: transient, MaxAttempts: 5, AttemptNumber: 1}, nil))
}

func TestDecideCapsAtMaxAttempts(t *testing.T) {
	transient := appErrors.New(appErrors.CodeTransientIO, "bad", nil)
	decision := Decide(context.Background(), ErrorContext{Error: transient, MaxAttempts: 3, AttemptNumber: 3}, nil)
	assert.Equal(t, DecisionDLQ, decision)
}

func TestDecideHonorsOverridePolicy(t *testing.T) {
	transient := appErrors.New(appErrors.CodeTransientIO, "bad", nil)
	policy := func(ec ErrorContext) Override { return OverrideDiscard }
	assert.Equal(t, DecisionAck, Decide(context.Background(), ErrorContext{Error: transient, MaxAttempts: 5, AttemptNumber: 1}, policy))
}

func TestDecideFallsBackWhenOverrideEmpty(t *testing.T) {
	unrecoverable := appErrors.New(appErrors.CodeUnrecoverable, "bad", nil)
	policy := func(ec ErrorContext) Override { return "" }
	assert.Equal(t, DecisionDLQ, Decide(context.Background(), ErrorContext{Error: unrecoverable, MaxAttempts: 5, AttemptNumber: 1}, policy))
}

func newDLQTestBroker(t *testing.T) broker.Broker {
	t.Helper()
	b := broker.NewMemoryBroker()
	require.NoError(t, b.AddStream(context.Background(), broker.StreamConfig{
		Name: "test-shop-dlq", Subjects: []string{"test.shop.dlq"},
	}))
	return b
}

func TestDLQPublisherPublishesAnnotatedEnvelope(t *testing.T) {
	b := newDLQTestBroker(t)
	dlq := NewDLQPublisher(b, "test.shop.dlq", DLQConfig{})

	env, err := envelope.BuildTopicEnvelope("shop-api", "order.created", map[string]any{"id": "1"}, envelope.BuildOptions{EventID: "evt-1"})
	require.NoError(t, err)

	failureErr := appErrors.New(appErrors.CodeUnrecoverable, "handler exploded", nil)
	err = dlq.Publish(context.Background(), env, ClassUnrecoverable, failureErr, 5)
	require.NoError(t, err)

	sub, err := b.PullSubscribe(context.Background(), "test-shop-dlq", "test.shop.dlq", "dlq-reader", broker.ConsumerConfig{
		Durable: "dlq-reader", FilterSubject: "test.shop.dlq", MaxDeliver: 1, AckWait: time.Second,
	})
	require.NoError(t, err)
	msgs, err := sub.Fetch(context.Background(), 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "test.shop.dlq", msgs[0].Subject())
}
