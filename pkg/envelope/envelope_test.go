package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTopicEnvelopeGeneratesIdentity(t *testing.T) {
	env, err := BuildTopicEnvelope("shop-api", "order.created", map[string]any{"order_id": "1"}, BuildOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, env.EventID)
	assert.NotEmpty(t, env.TraceID)
	assert.Equal(t, CurrentSchemaVersion, env.SchemaVersion)
	assert.Equal(t, "shop-api", env.Producer)
	assert.False(t, env.OccurredAt.IsZero())
	assert.Equal(t, "UTC", env.OccurredAt.Location().String())
	assert.True(t, env.IsTopicForm())
	assert.False(t, env.IsEventForm())
	assert.NoError(t, env.Validate())
}

func TestBuildTopicEnvelopeHonorsSuppliedIdentity(t *testing.T) {
	env, err := BuildTopicEnvelope("shop-api", "order.created", nil, BuildOptions{EventID: "fixed-id", TraceID: "fixed-trace"})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", env.EventID)
	assert.Equal(t, "fixed-trace", env.TraceID)
	assert.Equal(t, map[string]any{}, env.Message)
}

func TestBuildTopicEnvelopeRequiresTopic(t *testing.T) {
	_, err := BuildTopicEnvelope("shop-api", "", nil, BuildOptions{})
	require.Error(t, err)
}

func TestBuildEventEnvelopeRequiresAllThreeFields(t *testing.T) {
	_, err := BuildEventEnvelope("shop-api", "billing", "", "paid", nil, BuildOptions{})
	require.Error(t, err)

	env, err := BuildEventEnvelope("shop-api", "billing", "invoice", "paid", map[string]any{"amount": 9.99}, BuildOptions{})
	require.NoError(t, err)
	assert.True(t, env.IsEventForm())
	assert.False(t, env.IsTopicForm())
	assert.NoError(t, env.Validate())
}

func TestValidateRejectsNeitherFormPresent(t *testing.T) {
	env, err := BuildTopicEnvelope("shop-api", "order.created", nil, BuildOptions{})
	require.NoError(t, err)
	env.Topic = ""
	require.Error(t, env.Validate())
}

func TestValidateAllowsTopicAndLegacyFieldsCoexisting(t *testing.T) {
	env, err := BuildEventEnvelope("shop-api", "billing", "invoice", "paid", nil, BuildOptions{})
	require.NoError(t, err)
	env.Topic = "billing.invoice.paid"
	env.Message = map[string]any{"amount": 9.99}
	assert.NoError(t, env.Validate())
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	env, err := BuildTopicEnvelope("shop-api", "order.created", nil, BuildOptions{})
	require.NoError(t, err)

	withoutProducer := *env
	withoutProducer.Producer = ""
	require.Error(t, withoutProducer.Validate())

	withoutEventID := *env
	withoutEventID.EventID = ""
	require.Error(t, withoutEventID.Validate())
}
