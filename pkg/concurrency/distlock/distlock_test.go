package distlock_test

import (
	"context"
	"testing"
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/concurrency/distlock/adapters/memory"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerMutualExclusion(t *testing.T) {
	locker := memory.New()
	defer locker.Close()

	ctx := context.Background()
	key := "outbox-recovery-sweep"

	lock1 := locker.NewLock(key, time.Second)
	acquired, err := lock1.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	lock2 := locker.NewLock(key, time.Second)
	acquired2, err := lock2.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, acquired2, "a second holder must not acquire a held lock")

	require.NoError(t, lock1.Release(ctx))

	acquired3, err := lock2.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired3, "lock must become acquirable after release")
}
