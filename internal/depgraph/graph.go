// Package depgraph tracks directed, weighted relationships between content
// units and cascades invalidation/revalidation through them.
package depgraph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindData       Kind = "data"
	KindCache      Kind = "cache"
	KindValidation Kind = "validation"
	KindWorkflow   Kind = "workflow"
)

var (
	ErrSelfDependency = errors.New("dependency references itself")
	ErrInvalidKind    = errors.New("invalid dependency kind")
)

// Key addresses a content unit, optionally scoped to a sub-unit. An empty
// SubUnit is the wildcard: the edge applies to every sub-unit of the unit.
type Key struct {
	Unit    string
	SubUnit string
}

func (k Key) String() string {
	if k.SubUnit == "" {
		return k.Unit + "#*"
	}
	return k.Unit + "#" + k.SubUnit
}

// Dependency is a directed edge from a source key to a target key.
type Dependency struct {
	ID             string        `json:"id"`
	SourceUnit     string        `json:"source_unit"`
	SourceSubUnit  string        `json:"source_sub_unit,omitempty"`
	TargetUnit     string        `json:"target_unit"`
	TargetSubUnit  string        `json:"target_sub_unit,omitempty"`
	Kind           Kind          `json:"kind"`
	Strength       int           `json:"strength"`
	AutoInvalidate bool          `json:"auto_invalidate"`
	Delay          time.Duration `json:"invalidation_delay"`
	CreatedAt      time.Time     `json:"created_at"`
}

func (d *Dependency) sourceKey() Key { return Key{d.SourceUnit, d.SourceSubUnit} }
func (d *Dependency) targetKey() Key { return Key{d.TargetUnit, d.TargetSubUnit} }

// Store persists registrations so the graph survives restarts.
type Store interface {
	Save(ctx context.Context, dep *Dependency) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]Dependency, error)
}

const graphShards = 16

// Graph holds adjacency per source key in sharded maps, never under a single
// global mutex.
type Graph struct {
	shards [graphShards]graphShard
	index  sync.Map // dependency id -> Key
	store  Store
}

type graphShard struct {
	mu    sync.RWMutex
	edges map[Key][]*Dependency
}

// NewGraph builds an empty graph. store may be nil for ephemeral graphs.
func NewGraph(store Store) *Graph {
	g := &Graph{store: store}
	for i := range g.shards {
		g.shards[i].edges = make(map[Key][]*Dependency)
	}
	return g
}

// LoadFromStore replays persisted registrations, typically at startup.
func (g *Graph) LoadFromStore(ctx context.Context) (int, error) {
	if g.store == nil {
		return 0, nil
	}
	deps, err := g.store.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	for i := range deps {
		d := deps[i]
		g.insert(&d)
	}
	return len(deps), nil
}

// Register validates and adds a dependency, persisting it when a store is
// configured. Returns the assigned id.
func (g *Graph) Register(ctx context.Context, dep Dependency) (string, error) {
	switch dep.Kind {
	case KindData, KindCache, KindValidation, KindWorkflow:
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, dep.Kind)
	}
	if dep.SourceUnit == dep.TargetUnit && dep.SourceSubUnit == dep.TargetSubUnit {
		return "", fmt.Errorf("%w: %s", ErrSelfDependency, dep.sourceKey())
	}
	if dep.Strength < 1 {
		dep.Strength = 1
	}
	if dep.Strength > 10 {
		dep.Strength = 10
	}
	if dep.ID == "" {
		dep.ID = uuid.New().String()
	}
	dep.CreatedAt = time.Now()

	if g.store != nil {
		if err := g.store.Save(ctx, &dep); err != nil {
			return "", err
		}
	}
	g.insert(&dep)
	return dep.ID, nil
}

// Deregister removes a dependency by id. Returns false when unknown.
func (g *Graph) Deregister(ctx context.Context, id string) bool {
	v, ok := g.index.LoadAndDelete(id)
	if !ok {
		return false
	}
	key := v.(Key)

	s := g.shard(key)
	s.mu.Lock()
	edges := s.edges[key]
	for i, d := range edges {
		if d.ID == id {
			s.edges[key] = append(edges[:i], edges[i+1:]...)
			break
		}
	}
	if len(s.edges[key]) == 0 {
		delete(s.edges, key)
	}
	s.mu.Unlock()

	if g.store != nil {
		if err := g.store.Delete(ctx, id); err != nil {
			// The in-memory graph is authoritative for this process; the
			// stale row is re-deleted on next restart load.
			return true
		}
	}
	return true
}

// Outgoing returns edges for the exact (unit, subUnit) key plus wildcard
// edges of the unit, sorted by descending strength.
func (g *Graph) Outgoing(unit, subUnit string) []*Dependency {
	keys := []Key{{unit, subUnit}}
	if subUnit != "" {
		keys = append(keys, Key{unit, ""})
	}

	var out []*Dependency
	for _, key := range keys {
		s := g.shard(key)
		s.mu.RLock()
		out = append(out, s.edges[key]...)
		s.mu.RUnlock()
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Strength > out[j].Strength
	})
	return out
}

// Size reports the number of registered dependencies.
func (g *Graph) Size() int {
	n := 0
	g.index.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (g *Graph) insert(dep *Dependency) {
	key := dep.sourceKey()
	s := g.shard(key)
	s.mu.Lock()
	s.edges[key] = append(s.edges[key], dep)
	s.mu.Unlock()
	g.index.Store(dep.ID, key)
}

func (g *Graph) shard(k Key) *graphShard {
	h := 0
	str := k.String()
	for i := 0; i < len(str); i++ {
		h = h*31 + int(str[i])
	}
	if h < 0 {
		h = -h
	}
	return &g.shards[h%graphShards]
}
