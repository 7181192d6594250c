package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupSet_Claim(t *testing.T) {
	mr, client := newTestClient(t)
	dedup := NewDedupSet(client, time.Hour)
	ctx := context.Background()

	duplicate, err := dedup.Claim(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, duplicate, "first sight of an event id is not a duplicate")

	duplicate, err = dedup.Claim(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, duplicate)

	duplicate, err = dedup.Claim(ctx, "evt-2")
	require.NoError(t, err)
	assert.False(t, duplicate, "claims are per event id")

	// Claims expire with the TTL; a redelivery after the window is
	// processed again rather than skipped forever.
	mr.FastForward(2 * time.Hour)
	duplicate, err = dedup.Claim(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, duplicate)
}

func TestDedupSet_Release(t *testing.T) {
	_, client := newTestClient(t)
	dedup := NewDedupSet(client, time.Hour)
	ctx := context.Background()

	_, err := dedup.Claim(ctx, "evt-1")
	require.NoError(t, err)

	require.NoError(t, dedup.Release(ctx, "evt-1"))

	duplicate, err := dedup.Claim(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, duplicate, "a released claim must be claimable again")

	// Releasing an id that was never claimed is clean.
	require.NoError(t, dedup.Release(ctx, "evt-9"))
}

func TestDedupSet_DefaultTTL(t *testing.T) {
	mr, client := newTestClient(t)
	dedup := NewDedupSet(client, 0)
	ctx := context.Background()

	_, err := dedup.Claim(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, defaultDedupTTL, mr.TTL(dedupKey("evt-1")))
}

func TestDedupSet_UnreachableServer(t *testing.T) {
	mr, client := newTestClient(t)
	dedup := NewDedupSet(client, time.Hour)
	mr.Close()

	_, err := dedup.Claim(context.Background(), "evt-1")
	require.Error(t, err)
}
