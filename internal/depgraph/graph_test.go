package depgraph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraph_RegisterAndOutgoing(t *testing.T) {
	g := NewGraph(nil)
	ctx := context.Background()

	weak, err := g.Register(ctx, Dependency{
		SourceUnit: "A", TargetUnit: "B", Kind: KindCache, Strength: 3, AutoInvalidate: true,
	})
	require.NoError(t, err)

	strong, err := g.Register(ctx, Dependency{
		SourceUnit: "A", TargetUnit: "C", Kind: KindData, Strength: 9, AutoInvalidate: true,
	})
	require.NoError(t, err)

	out := g.Outgoing("A", "")
	require.Len(t, out, 2)
	// Strongest first.
	assert.Equal(t, strong, out[0].ID)
	assert.Equal(t, weak, out[1].ID)
	assert.Equal(t, 2, g.Size())
}

func TestGraph_RejectsSelfDependency(t *testing.T) {
	g := NewGraph(nil)

	_, err := g.Register(context.Background(), Dependency{
		SourceUnit: "A", SourceSubUnit: "w1", TargetUnit: "A", TargetSubUnit: "w1", Kind: KindCache,
	})
	assert.ErrorIs(t, err, ErrSelfDependency)

	// Same unit, different sub-unit is allowed.
	_, err = g.Register(context.Background(), Dependency{
		SourceUnit: "A", SourceSubUnit: "w1", TargetUnit: "A", TargetSubUnit: "w2", Kind: KindCache,
	})
	assert.NoError(t, err)
}

func TestGraph_RejectsUnknownKind(t *testing.T) {
	g := NewGraph(nil)
	_, err := g.Register(context.Background(), Dependency{
		SourceUnit: "A", TargetUnit: "B", Kind: Kind("bogus"),
	})
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestGraph_WildcardSubUnitMatching(t *testing.T) {
	g := NewGraph(nil)
	ctx := context.Background()

	// Wildcard edge: applies to all sub-units of A.
	_, err := g.Register(ctx, Dependency{
		SourceUnit: "A", TargetUnit: "B", Kind: KindCache, Strength: 5,
	})
	require.NoError(t, err)

	// Scoped edge: only A#w1.
	_, err = g.Register(ctx, Dependency{
		SourceUnit: "A", SourceSubUnit: "w1", TargetUnit: "C", Kind: KindCache, Strength: 8,
	})
	require.NoError(t, err)

	assert.Len(t, g.Outgoing("A", "w1"), 2)
	assert.Len(t, g.Outgoing("A", "w2"), 1)
	assert.Len(t, g.Outgoing("A", ""), 1)
}

func TestGraph_Deregister(t *testing.T) {
	g := NewGraph(nil)
	ctx := context.Background()

	id, err := g.Register(ctx, Dependency{SourceUnit: "A", TargetUnit: "B", Kind: KindCache})
	require.NoError(t, err)

	assert.True(t, g.Deregister(ctx, id))
	assert.False(t, g.Deregister(ctx, id))
	assert.Empty(t, g.Outgoing("A", ""))
	assert.Equal(t, 0, g.Size())
}

func TestGraph_StrengthClamped(t *testing.T) {
	g := NewGraph(nil)
	ctx := context.Background()

	_, err := g.Register(ctx, Dependency{SourceUnit: "A", TargetUnit: "B", Kind: KindCache, Strength: 42})
	require.NoError(t, err)
	_, err = g.Register(ctx, Dependency{SourceUnit: "A", TargetUnit: "C", Kind: KindCache, Strength: -1})
	require.NoError(t, err)

	out := g.Outgoing("A", "")
	assert.Equal(t, 10, out[0].Strength)
	assert.Equal(t, 1, out[1].Strength)
}

type memStore struct {
	saved   []Dependency
	deleted []string
}

func (m *memStore) Save(ctx context.Context, dep *Dependency) error {
	m.saved = append(m.saved, *dep)
	return nil
}

func (m *memStore) Delete(ctx context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *memStore) LoadAll(ctx context.Context) ([]Dependency, error) {
	return m.saved, nil
}

func TestGraph_PersistsThroughStore(t *testing.T) {
	store := &memStore{}
	g := NewGraph(store)
	ctx := context.Background()

	id, err := g.Register(ctx, Dependency{
		SourceUnit: "A", TargetUnit: "B", Kind: KindCache, Strength: 7, Delay: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, store.saved, 1)

	// A fresh graph replays the persisted registrations.
	g2 := NewGraph(store)
	n, err := g2.LoadFromStore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	out := g2.Outgoing("A", "")
	require.Len(t, out, 1)
	assert.Equal(t, id, out[0].ID)

	g.Deregister(ctx, id)
	assert.Equal(t, []string{id}, store.deleted)
}
