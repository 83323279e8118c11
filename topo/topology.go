package topo

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/zhaoxi-1213/mpi-ucx/comm"
)

// ErrUnavailable means no hierarchy could be built for the group, most
// often because placement information is missing for a member. It is not
// fatal: callers must route the operation through a generic algorithm.
var ErrUnavailable = errors.New("topo: locality information unavailable")

// A Topology is one rank's view of a group's hierarchy: the derived
// groups at every level plus the leader designation rule. All ranks of
// the group compute structurally identical partitions; only the
// "caller's node/socket/NUMA/subgroup" selections differ.
type Topology struct {
	Group     *comm.Group
	RootWorld int
	NumNodes  int

	// Node is the caller's node-level group; NodeLeaders holds one
	// leader per node, ordered by node.
	Node        *comm.Group
	NodeLeaders *comm.Group

	// Socket is the caller's socket-level group; SocketLeaders holds
	// every socket's leader across the whole group.
	Socket        *comm.Group
	SocketLeaders *comm.Group

	// Numa is the caller's NUMA-level group. NumaLeaders spans the
	// whole group; NodeNumaLeaders and SocketNumaLeaders restrict it to
	// the caller's node and socket.
	Numa              *comm.Group
	NumaLeaders       *comm.Group
	NodeNumaLeaders   *comm.Group
	SocketNumaLeaders *comm.Group

	// Subgroup is the caller's fixed-size subgroup within its node;
	// NodeSubgroupLeaders holds the node's subgroup leaders.
	Subgroup            *comm.Group
	NodeSubgroupLeaders *comm.Group

	// SGCnt is the subgroup size the partition was built with.
	SGCnt int
}

// Leader returns the group-local index of sub's leader: the operation
// root when it is a member, otherwise the lowest-ordered member.
func (t *Topology) Leader(sub *comm.Group) int {
	if i := sub.Rank(t.RootWorld); i >= 0 {
		return i
	}
	return 0
}

// IsLeader reports whether the world rank leads sub.
func (t *Topology) IsLeader(world int, sub *comm.Group) bool {
	return sub.World(t.Leader(sub)) == world
}

// partition splits g into groups of members sharing a key, ordered by
// first occurrence in g. Every rank iterates g in the same order, so
// the partition is identical everywhere.
func partition(g *comm.Group, keyOf func(world int) [3]int) []*comm.Group {
	var order [][]int
	idx := map[[3]int]int{}
	for _, r := range g.Ranks() {
		k := keyOf(r)
		i, ok := idx[k]
		if !ok {
			i = len(order)
			idx[k] = i
			order = append(order, nil)
		}
		order[i] = append(order[i], r)
	}
	out := make([]*comm.Group, len(order))
	for i, members := range order {
		out[i] = comm.NewGroup(members)
	}
	return out
}

func containing(groups []*comm.Group, world int) *comm.Group {
	for _, g := range groups {
		if g.Contains(world) {
			return g
		}
	}
	return nil
}

// Build computes the hierarchy of g as seen by the caller's world rank,
// with the given group-local root designating leaders along its path.
func Build(g *comm.Group, caller, root int, lm LocalityMap, cfg Config) (*Topology, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rootWorld := g.World(root)
	locs := make(map[int]Locality, g.Size())
	for _, r := range g.Ranks() {
		loc, ok := lm.Locality(r)
		if !ok {
			return nil, errors.Wrapf(ErrUnavailable, "rank %d has no placement", r)
		}
		locs[r] = loc
	}

	t := &Topology{Group: g, RootWorld: rootWorld, SGCnt: cfg.SGCnt()}

	leadersOf := func(groups []*comm.Group) []int {
		out := make([]int, len(groups))
		for i, sub := range groups {
			out[i] = sub.World(t.Leader(sub))
		}
		return out
	}

	nodeGroups := g.Split(func(w int) int { return locs[w].Node })
	t.NumNodes = len(nodeGroups)
	t.Node = containing(nodeGroups, caller)
	t.NodeLeaders = comm.NewGroup(leadersOf(nodeGroups))

	socketGroups := partition(g, func(w int) [3]int {
		return [3]int{locs[w].Node, locs[w].Socket, 0}
	})
	t.Socket = containing(socketGroups, caller)
	t.SocketLeaders = comm.NewGroup(leadersOf(socketGroups))

	numaGroups := partition(g, func(w int) [3]int {
		return [3]int{locs[w].Node, locs[w].Socket, locs[w].NUMA}
	})
	t.Numa = containing(numaGroups, caller)
	t.NumaLeaders = comm.NewGroup(leadersOf(numaGroups))

	myNode := locs[caller].Node
	mySocket := locs[caller].Socket
	var nodeNumaLeaders, socketNumaLeaders []int
	for _, sub := range numaGroups {
		lead := sub.World(t.Leader(sub))
		if locs[lead].Node != myNode {
			continue
		}
		nodeNumaLeaders = append(nodeNumaLeaders, lead)
		if locs[lead].Socket == mySocket {
			socketNumaLeaders = append(socketNumaLeaders, lead)
		}
	}
	t.NodeNumaLeaders = comm.NewGroup(nodeNumaLeaders)
	t.SocketNumaLeaders = comm.NewGroup(socketNumaLeaders)

	// Fixed-size subgroups are consecutive chunks of the node group.
	members := t.Node.Ranks()
	var sgLeaders []int
	for off := 0; off < len(members); off += t.SGCnt {
		end := off + t.SGCnt
		if end > len(members) {
			end = len(members)
		}
		sub := comm.NewGroup(members[off:end])
		if sub.Contains(caller) {
			t.Subgroup = sub
		}
		sgLeaders = append(sgLeaders, sub.World(t.Leader(sub)))
	}
	t.NodeSubgroupLeaders = comm.NewGroup(sgLeaders)

	klog.V(2).Infof("topo: built hierarchy for group %s: %d ranks over %d nodes, sg=%d, root=%d",
		g.ID(), g.Size(), t.NumNodes, t.SGCnt, rootWorld)
	return t, nil
}
