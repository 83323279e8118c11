// Package comm defines process groups, the per-rank view of a collective
// operation, and the point-to-point transport interface the collective
// algorithms are written against.
package comm

import (
	"encoding/binary"
	"sort"

	"github.com/google/uuid"
)

// A Group is an ordered set of world ranks participating in collective
// operations. Groups are immutable; derived groups (per node, per socket,
// per subgroup) are new Group values.
//
// Every rank deriving the same partition of the same parent must end up
// with structurally identical groups, so all derivation here is a pure
// function of the parent's rank order.
type Group struct {
	id    uuid.UUID
	ranks []int
	index map[int]int
}

// NewGroup creates a group over the given world ranks, in order.
func NewGroup(ranks []int) *Group {
	g := &Group{
		id:    uuid.New(),
		ranks: append([]int{}, ranks...),
		index: make(map[int]int, len(ranks)),
	}
	for i, r := range g.ranks {
		g.index[r] = i
	}
	return g
}

// WorldGroup creates the group {0, 1, ..., n-1}.
func WorldGroup(n int) *Group {
	ranks := make([]int, n)
	for i := range ranks {
		ranks[i] = i
	}
	return NewGroup(ranks)
}

// ID is the group's identity, used to key per-group caches.
func (g *Group) ID() uuid.UUID { return g.id }

// Fingerprint is a deterministic identity derived from the member list.
// Ranks deriving the same group independently get distinct IDs but equal
// fingerprints, which is what shared resources (staging segments) must
// be named by.
func (g *Group) Fingerprint() uuid.UUID {
	b := make([]byte, 8*len(g.ranks))
	for i, r := range g.ranks {
		binary.LittleEndian.PutUint64(b[i*8:], uint64(r))
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, b)
}

// Size returns the number of ranks in the group.
func (g *Group) Size() int { return len(g.ranks) }

// World maps a group-local rank to its world rank.
func (g *Group) World(local int) int { return g.ranks[local] }

// Rank maps a world rank to its group-local rank, or -1 if absent.
func (g *Group) Rank(world int) int {
	if i, ok := g.index[world]; ok {
		return i
	}
	return -1
}

// Contains reports whether the world rank belongs to the group.
func (g *Group) Contains(world int) bool {
	_, ok := g.index[world]
	return ok
}

// Ranks returns a copy of the group's world ranks in order.
func (g *Group) Ranks() []int {
	return append([]int{}, g.ranks...)
}

// Split partitions the group by color. Members with the same color form
// one derived group, preserving the parent's rank order; the returned
// groups are ordered by ascending color so every caller computes the
// same partition.
func (g *Group) Split(colorOf func(world int) int) []*Group {
	byColor := map[int][]int{}
	var colors []int
	for _, r := range g.ranks {
		c := colorOf(r)
		if _, ok := byColor[c]; !ok {
			colors = append(colors, c)
		}
		byColor[c] = append(byColor[c], r)
	}
	sort.Ints(colors)
	out := make([]*Group, len(colors))
	for i, c := range colors {
		out[i] = NewGroup(byColor[c])
	}
	return out
}

// Select derives the subgroup of members satisfying pred, in order.
func (g *Group) Select(pred func(world int) bool) *Group {
	var sel []int
	for _, r := range g.ranks {
		if pred(r) {
			sel = append(sel, r)
		}
	}
	return NewGroup(sel)
}
