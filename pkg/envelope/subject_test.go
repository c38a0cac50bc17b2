package envelope

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSubject(t *testing.T, pattern string) Subject {
	t.Helper()
	s, err := FromPattern("test", "shop", pattern)
	require.NoError(t, err)
	return s
}

func TestFromTopicNormalizesCase(t *testing.T) {
	s, err := FromTopic("Test", "Shop", "Order.Created")
	require.NoError(t, err)
	assert.Equal(t, "test.shop.order.created", s.String())
}

func TestFromTopicReplacesInvalidCharacters(t *testing.T) {
	s, err := FromTopic("test", "shop", "order created!")
	require.NoError(t, err)
	assert.Equal(t, "test.shop.order_created_", s.String())
}

func TestFromEventJoinsDomainResourceAction(t *testing.T) {
	s, err := FromEvent("test", "shop", "billing", "invoice", "paid")
	require.NoError(t, err)
	assert.Equal(t, "test.shop.billing.invoice.paid", s.String())
}

func TestTrailingGreaterThanRejectedWhenNotFinal(t *testing.T) {
	_, err := FromPattern("test", "shop", "order.>.created")
	require.Error(t, err)
}

func TestSubjectTooLongRejected(t *testing.T) {
	_, err := FromPattern("test", "shop", strings.Repeat("a", 300))
	require.Error(t, err)
}

func TestMatchesWildcardSemantics(t *testing.T) {
	cases := []struct {
		pattern, concrete string
		want              bool
	}{
		{"order.*", "order.created", true},
		{"order.*", "order.created.extra", false},
		{"order.>", "order.created", true},
		{"order.>", "order.created.v2", true},
		{"order.>", "order", false},
		{"order.created", "order.created", true},
		{"order.created", "order.updated", false},
	}

	for _, c := range cases {
		pattern := mustSubject(t, c.pattern)
		concrete := mustSubject(t, c.concrete)
		assert.Equal(t, c.want, Matches(pattern, concrete), "pattern=%s concrete=%s", c.pattern, c.concrete)
	}
}

func TestEnvAppGreaterThanDoesNotMatchBareEnvApp(t *testing.T) {
	pattern, err := FromPattern("env", "app", ">")
	require.NoError(t, err)
	concrete, err := FromTopic("env", "app", "x")
	require.NoError(t, err)
	assert.True(t, Matches(pattern, concrete))

	deep, err := FromTopic("env", "app", "x.y.z")
	require.NoError(t, err)
	assert.True(t, Matches(pattern, deep))

	bare := Subject{value: "env.app"}
	assert.False(t, Matches(pattern, bare))
}

func TestOverlapsSymmetricAndReflexive(t *testing.T) {
	a := mustSubject(t, "order.*")
	b := mustSubject(t, "order.created")

	assert.True(t, Overlaps(a, b))
	assert.True(t, Overlaps(b, a))
	assert.True(t, Overlaps(a, a))

	c := mustSubject(t, "invoice.created")
	assert.False(t, Overlaps(a, c))
}

func TestSubjectEqualityIsStringEquality(t *testing.T) {
	a, err := FromTopic("test", "shop", "order.created")
	require.NoError(t, err)
	b, err := FromTopic("test", "shop", "order.created")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, a.String(), b.String())
}
