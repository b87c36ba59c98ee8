package lease

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	m, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return m, client
}

func TestLeaseIsExclusive(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	a := NewRedisLease(client, time.Minute)
	b := NewRedisLease(client, time.Minute)

	ok, err := a.Acquire(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = a.Acquire(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok, "the holder can re-acquire")

	holder, err := b.Holder(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, a.Token(), holder)
}

func TestLeaseRenewAndRelease(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	a := NewRedisLease(client, time.Minute)
	b := NewRedisLease(client, time.Minute)

	_, err := a.Acquire(ctx, "s1")
	require.NoError(t, err)

	ok, err := b.Renew(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.Release(ctx, "s1"))
	holder, err := a.Holder(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, a.Token(), holder, "a non-holder cannot release")

	require.NoError(t, a.Release(ctx, "s1"))
	ok, err = b.Acquire(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLeaseExpires(t *testing.T) {
	m, client := newClient(t)
	ctx := context.Background()

	a := NewRedisLease(client, time.Second)
	b := NewRedisLease(client, time.Second)

	_, err := a.Acquire(ctx, "s1")
	require.NoError(t, err)

	m.FastForward(2 * time.Second)

	ok, err := a.Renew(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok, "an expired lease cannot be renewed")

	ok, err = b.Acquire(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
}
