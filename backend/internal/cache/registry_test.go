package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry_MinRefSeq(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry(0)

	_, ok, err := r.MinRefSeq(ctx, "doc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Touch(ctx, "doc", "a", 5))
	require.NoError(t, r.Touch(ctx, "doc", "b", 3))
	low, ok, err := r.MinRefSeq(ctx, "doc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), low)

	// refSeq 只升不降
	require.NoError(t, r.Touch(ctx, "doc", "b", 1))
	low, _, _ = r.MinRefSeq(ctx, "doc")
	assert.Equal(t, int64(3), low)

	require.NoError(t, r.Remove(ctx, "doc", "b"))
	low, _, _ = r.MinRefSeq(ctx, "doc")
	assert.Equal(t, int64(5), low)

	members, err := r.Members(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []ClientRef{{ClientID: "a", RefSeq: 5}}, members)

	docs, err := r.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc"}, docs)
}

func TestMemoryRegistry_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	r := newMemoryRegistry(10*time.Second, func() time.Time { return now })

	require.NoError(t, r.Touch(ctx, "doc", "slow", 1))
	require.NoError(t, r.Touch(ctx, "doc", "fast", 7))

	now = now.Add(6 * time.Second)
	require.NoError(t, r.Touch(ctx, "doc", "fast", 9))

	now = now.Add(5 * time.Second)
	low, ok, err := r.MinRefSeq(ctx, "doc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(9), low, "slow client expired and no longer holds the window")

	// 过期后重新出现的客户端按新值登记
	require.NoError(t, r.Touch(ctx, "doc", "slow", 4))
	low, _, _ = r.MinRefSeq(ctx, "doc")
	assert.Equal(t, int64(4), low)
}
