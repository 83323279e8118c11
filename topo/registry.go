package topo

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
	"k8s.io/klog/v2"

	"github.com/zhaoxi-1213/mpi-ucx/comm"
)

// ErrRootChurn means the root of rooted operations on this group has
// moved more often than the configured threshold; callers must stop
// consulting the hierarchy and use a generic algorithm instead.
var ErrRootChurn = errors.New("topo: root changed beyond churn threshold")

// AnyRoot marks an unrooted operation: any cached topology serves, and a
// differing cached root is not churn.
const AnyRoot = -1

type entry struct {
	topo        *Topology
	prevRoot    int
	rootChanges int
}

// A Registry owns the per-group topology cache for one rank. The first
// collective on a group builds its hierarchy; later calls reuse it
// unless a rooted operation arrives with a different root, which
// rebuilds (leaders follow the root) until the churn threshold is
// crossed.
type Registry struct {
	cfg Config
	lm  LocalityMap

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	order   []uuid.UUID
}

// NewRegistry creates an empty registry for the given tuning and
// placement source.
func NewRegistry(cfg Config, lm LocalityMap) *Registry {
	return &Registry{
		cfg:     cfg,
		lm:      lm,
		entries: map[uuid.UUID]*entry{},
	}
}

// Config returns the registry's static tuning.
func (r *Registry) Config() Config { return r.cfg }

// Ensure returns the cached topology for g, building or rebuilding it
// as needed. root is the group-local root of the calling operation;
// unrooted operations such as allreduce pass AnyRoot and always accept
// the cached hierarchy.
//
// Errors divide into two kinds: ErrUnavailable/ErrRootChurn demand a
// generic-algorithm fallback, anything else aborts the operation.
func (r *Registry) Ensure(p *comm.Proc, g *comm.Group, root int) (*Topology, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent, ok := r.entries[g.ID()]
	if !ok {
		buildRoot := root
		if buildRoot == AnyRoot {
			buildRoot = 0
		}
		t, err := Build(g, p.Rank, buildRoot, r.lm, r.cfg)
		if err != nil {
			return nil, err
		}
		ent = &entry{topo: t, prevRoot: buildRoot}
		r.entries[g.ID()] = ent
		r.order = append(r.order, g.ID())
		r.evictLocked()
		return t, nil
	}
	if root == AnyRoot || root == ent.prevRoot {
		return ent.topo, nil
	}
	ent.rootChanges++
	if ent.rootChanges > r.cfg.RootChangeThresh {
		klog.V(2).Infof("topo: group %s root churn %d exceeds threshold %d",
			g.ID(), ent.rootChanges, r.cfg.RootChangeThresh)
		return nil, ErrRootChurn
	}
	t, err := Build(g, p.Rank, root, r.lm, r.cfg)
	if err != nil {
		return nil, err
	}
	ent.topo = t
	ent.prevRoot = root
	return t, nil
}

// Forget drops the cached topology for a group, e.g. on group teardown.
func (r *Registry) Forget(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return
	}
	delete(r.entries, id)
	for i, other := range r.order {
		if other == id {
			essentials.OrderedDelete(&r.order, i)
			break
		}
	}
}

func (r *Registry) evictLocked() {
	for len(r.order) > r.cfg.MaxGroups {
		oldest := r.order[0]
		essentials.OrderedDelete(&r.order, 0)
		delete(r.entries, oldest)
		klog.V(2).Infof("topo: evicted cached topology for group %s", oldest)
	}
}
