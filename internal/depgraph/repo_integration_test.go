package depgraph_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"opalsync/internal/depgraph"
	"opalsync/internal/testutils"
)

func TestDependencyStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	ctx := context.Background()
	store := depgraph.NewPostgresStore(s.DB)

	graph := depgraph.NewGraph(store)
	id, err := graph.Register(ctx, depgraph.Dependency{
		SourceUnit:     "pricing",
		TargetUnit:     "homepage",
		TargetSubUnit:  "hero",
		Kind:           depgraph.KindCache,
		Strength:       8,
		AutoInvalidate: true,
		Delay:          250 * time.Millisecond,
	})
	require.NoError(t, err)

	// A fresh graph rebuilt from the same store sees the registration.
	restarted := depgraph.NewGraph(store)
	n, err := restarted.LoadFromStore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	deps := restarted.Outgoing("pricing", "")
	require.Len(t, deps, 1)
	assert.Equal(t, id, deps[0].ID)
	assert.Equal(t, "hero", deps[0].TargetSubUnit)
	assert.Equal(t, 250*time.Millisecond, deps[0].Delay)

	// Cache state survives invalidate/revalidate round trips.
	cache := depgraph.NewPostgresCacheStore(s.DB)
	require.NoError(t, cache.Revalidate(ctx, "homepage", "hero"))
	assert.True(t, cache.HasCache("homepage"))
	require.NoError(t, cache.InvalidateCache(ctx, "homepage", "hero"))
	assert.False(t, cache.HasCache("homepage"))

	assert.True(t, restarted.Deregister(ctx, id))
	rebuilt := depgraph.NewGraph(store)
	n, err = rebuilt.LoadFromStore(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
