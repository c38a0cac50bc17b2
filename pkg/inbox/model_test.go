package inbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyEventIDPtrNilsUnusedFallback(t *testing.T) {
	k := Key{EventID: "evt-1"}
	require := assert.New(t)
	require.NotNil(k.eventIDPtr())
	require.Equal("evt-1", *k.eventIDPtr())
	require.Nil(k.streamSeqPtr())
}

func TestKeyStreamSeqPtrNilsUnusedEventID(t *testing.T) {
	k := Key{Stream: "orders", StreamSeq: 42}
	assert.Nil(t, k.eventIDPtr())
	require := assert.New(t)
	require.NotNil(k.streamSeqPtr())
	require.Equal(uint64(42), *k.streamSeqPtr())
}

// Two distinct fallback-keyed rows must both leave event_id NULL so the
// (group, event_id) unique index never sees them collide on a shared ""
// value.
func TestTwoFallbackKeysDoNotShareNonNilEventID(t *testing.T) {
	a := Key{Stream: "orders", StreamSeq: 1}
	b := Key{Stream: "orders", StreamSeq: 2}
	assert.Nil(t, a.eventIDPtr())
	assert.Nil(t, b.eventIDPtr())
}
