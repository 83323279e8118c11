package coll

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/zhaoxi-1213/mpi-ucx/base"
	"github.com/zhaoxi-1213/mpi-ucx/comm"
	"github.com/zhaoxi-1213/mpi-ucx/direct"
	"github.com/zhaoxi-1213/mpi-ucx/dtype"
	"github.com/zhaoxi-1213/mpi-ucx/shm"
	"github.com/zhaoxi-1213/mpi-ucx/topo"
)

// An Engine is one rank's collective entry point. It owns the rank's
// topology cache and its attached staging arenas; the segment provider
// and buffer mapper are shared with the co-resident ranks.
type Engine struct {
	Proc *comm.Proc
	Topo *topo.Registry
	Shm  shm.Provider
	Mem  direct.Mapper

	// HostBuf reports whether a buffer is host-resident. Nil means all
	// buffers are; accelerator-backed runtimes inject their check and
	// non-host buffers bypass every optimized path.
	HostBuf func([]byte) bool

	mu     sync.Mutex
	arenas map[uuid.UUID]*shm.Arena
}

// New creates the engine for one rank.
func New(p *comm.Proc, reg *topo.Registry, prov shm.Provider, m direct.Mapper) *Engine {
	return &Engine{
		Proc:   p,
		Topo:   reg,
		Shm:    prov,
		Mem:    m,
		arenas: map[uuid.UUID]*shm.Arena{},
	}
}

// Close releases the rank's attached arenas. Peers keep their own
// mappings alive; each rank removes only the segments it owns.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var first error
	for key, a := range e.arenas {
		if err := a.Release(e.Shm); err != nil && first == nil {
			first = err
		}
		delete(e.arenas, key)
	}
	return first
}

func (e *Engine) hostBuf(b []byte) bool {
	if e.HostBuf == nil || b == nil {
		return true
	}
	return e.HostBuf(b)
}

// arena returns the caller's attached arena for the group, attaching on
// first use. Arenas are keyed by member fingerprint so the same segments
// back every group object naming the same ranks.
func (e *Engine) arena(g *comm.Group) (*shm.Arena, error) {
	key := g.Fingerprint()
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.arenas[key]; ok {
		return a, nil
	}
	a, err := shm.Attach(e.Shm, g, e.Proc.LocalRank(g))
	if err != nil {
		return nil, err
	}
	e.arenas[key] = a
	return a, nil
}

// Allreduce combines every rank's operand with op and leaves the result
// in every rank's rbuf. sbuf may be comm.InPlace. Non-commutative
// operators and non-host buffers are served by the order-preserving
// generic algorithm; everything else goes through the selector.
func (e *Engine) Allreduce(g *comm.Group, sbuf, rbuf []byte, count int, t dtype.Type, op dtype.Op) error {
	if !t.Predefined() && op.Apply == nil {
		return errors.Errorf("coll: no kernel for type %v with operator %q", t, op.Name)
	}
	total := count * t.Size()
	if e.Proc.LocalRank(g) < 0 {
		return errors.New("coll: caller is not a member of the group")
	}
	hostOpt := t.Predefined() && e.hostBuf(sbuf) && e.hostBuf(rbuf)

	if g.Size() == 1 && hostOpt {
		if sbuf != nil {
			copy(rbuf[:total], sbuf)
		}
		return nil
	}
	if !op.Commutative {
		return base.AllreduceRecursiveDoubling(e.Proc, g, sbuf, rbuf, count, t, op)
	}

	tp, err := e.Topo.Ensure(e.Proc, g, topo.AnyRoot)
	if err != nil {
		if errors.Is(err, topo.ErrUnavailable) || errors.Is(err, topo.ErrRootChurn) {
			return base.AllreduceRedScatAllgather(e.Proc, g, sbuf, rbuf, count, t, op)
		}
		return err
	}

	alg := SelectAllreduce(tp.NumNodes, total, e.Topo.Config(), hostOpt)
	klog.V(2).Infof("coll: allreduce of %s over %d ranks (%d nodes) using %v",
		humanize.IBytes(uint64(total)), g.Size(), tp.NumNodes, alg)

	switch alg {
	case ArRecursiveDoubling:
		return base.AllreduceRecursiveDoubling(e.Proc, g, sbuf, rbuf, count, t, op)
	case ArRedScatAllgather:
		return base.AllreduceRedScatAllgather(e.Proc, g, sbuf, rbuf, count, t, op)
	case ArRing:
		return base.AllreduceRing(e.Proc, g, sbuf, rbuf, count, t, op)
	case ArShmSmall:
		return e.allreduceShm(g, tp, sbuf, rbuf, count, t, op)
	case ArDirectFlat:
		return direct.AllreduceFlat(e.Proc, g, e.Mem, sbuf, rbuf, count, t, op)
	case ArDirectHier:
		if err := direct.ReduceHier(e.Proc, g, e.Mem, sbuf, rbuf, count, t, op, 0); err != nil {
			return err
		}
		return e.Bcast(g, rbuf[:total], count, t, 0)
	}
	return errors.Errorf("coll: unhandled allreduce algorithm %v", alg)
}

// localRanks lists sub's members as parent-local ranks, leader first.
func localRanks(parent, sub *comm.Group, leader int) []int {
	out := make([]int, 0, sub.Size())
	out = append(out, parent.Rank(sub.World(leader)))
	for i := 0; i < sub.Size(); i++ {
		if i == leader {
			continue
		}
		out = append(out, parent.Rank(sub.World(i)))
	}
	return out
}

// allreduceShm runs the small-message micro-path: NUMA-level fold in
// shared memory, cross-leader fold, then a NUMA-local distribution of
// the finished result. That distribution also releases the scratch slots
// for the next round.
func (e *Engine) allreduceShm(g *comm.Group, tp *topo.Topology, sbuf, rbuf []byte, count int, t dtype.Type, op dtype.Op) error {
	a, err := e.arena(g)
	if err != nil {
		return err
	}
	l1 := localRanks(g, tp.Numa, tp.Leader(tp.Numa))
	l2 := localRanks(g, tp.NumaLeaders, tp.Leader(tp.NumaLeaders))
	if err := a.AllreduceSmall(sbuf, rbuf, count, t, op, l1, l2); err != nil {
		return err
	}
	if tp.Numa.Size() > 1 {
		total := count * t.Size()
		return base.BcastLinear(e.Proc, tp.Numa, rbuf[:total], tp.Leader(tp.Numa))
	}
	return nil
}

func bcastSub(p *comm.Proc, g *comm.Group, buf []byte, root int, linear bool) error {
	if linear {
		return base.BcastLinear(p, g, buf, root)
	}
	return base.BcastBinomial(p, g, buf, root)
}

const knomialRadix = 4

// Bcast delivers root's buffer content to every rank of the group.
func (e *Engine) Bcast(g *comm.Group, buf []byte, count int, t dtype.Type, root int) error {
	total := count * t.Size()
	size := g.Size()
	if e.Proc.LocalRank(g) < 0 {
		return errors.New("coll: caller is not a member of the group")
	}
	if root < 0 || root >= size {
		return errors.Errorf("coll: bcast root %d outside group of size %d", root, size)
	}
	if size < 8 {
		return base.BcastLinear(e.Proc, g, buf[:total], root)
	}

	tp, err := e.Topo.Ensure(e.Proc, g, root)
	if err != nil {
		if errors.Is(err, topo.ErrUnavailable) || errors.Is(err, topo.ErrRootChurn) {
			return base.BcastKnomial(e.Proc, g, buf[:total], root, knomialRadix)
		}
		return err
	}

	// Deep trees beat the staged path for mid-size payloads.
	if (tp.NumNodes >= 8 && total <= 65536) ||
		(tp.NumNodes == 1 && size >= 256 && total < 16384) {
		return base.BcastKnomial(e.Proc, g, buf[:total], root, knomialRadix)
	}

	c := SelectBcast(size, tp.Node.Size(), tp.NumNodes, total, e.Topo.Config())
	if !t.Predefined() || !e.hostBuf(buf) {
		c.UseShm = false
	}
	noSG := c.SGCnt == tp.Node.Size()
	klog.V(2).Infof("coll: bcast of %s over %d ranks (%d nodes): %+v",
		humanize.IBytes(uint64(total)), size, tp.NumNodes, c)

	// Stage 0: across node leaders (or socket leaders).
	if c.Use0 || c.UseSocket {
		ldrs := tp.NodeLeaders
		if c.UseSocket {
			ldrs = tp.SocketLeaders
		}
		if ldrs.Contains(e.Proc.Rank) {
			// The root leads its own node and socket, so it is always
			// a member here.
			if err := bcastSub(e.Proc, ldrs, buf[:total], ldrs.Rank(tp.RootWorld), c.Lin0); err != nil {
				return err
			}
		}
	}

	// The intra stage covers one node (or socket) once stage 0 has
	// seeded its leader; with no stage 0 it covers the whole group.
	intra := g
	intraRoot := root
	if (tp.NumNodes > 1 && c.Use0) || c.UseSocket {
		intra = tp.Node
		if c.UseSocket {
			intra = tp.Socket
		}
		intraRoot = tp.Leader(intra)
	}

	if c.UseShm && !c.UseSocket && intraRoot == 0 {
		return e.bcastShm(intra, tp, buf[:total])
	}
	if noSG {
		return bcastSub(e.Proc, intra, buf[:total], intraRoot, c.Lin1)
	}

	// Base-rank stage: subgroup or NUMA leaders within the intra scope.
	// Socket routing always goes through NUMA groups, since fixed
	// subgroups chunk the node and may straddle a socket boundary.
	baseLdrs := tp.NodeSubgroupLeaders
	leaf := tp.Subgroup
	if c.UseNuma || c.UseSocket {
		leaf = tp.Numa
		baseLdrs = tp.NodeNumaLeaders
		if c.UseSocket {
			baseLdrs = tp.SocketNumaLeaders
		}
	}
	if baseLdrs.Contains(e.Proc.Rank) {
		r := baseLdrs.Rank(intra.World(intraRoot))
		if r < 0 {
			return errors.New("coll: intra root is not a base rank")
		}
		if err := bcastSub(e.Proc, baseLdrs, buf[:total], r, c.Lin1); err != nil {
			return err
		}
	}

	// Leaf stage: every rank receives within its subgroup or NUMA group.
	if leaf.Size() > 1 {
		return bcastSub(e.Proc, leaf, buf[:total], tp.Leader(leaf), c.Lin2)
	}
	return nil
}

// bcastShm serves the intra-node stage from the shared staging area:
// the node leader stages the payload, NUMA leaders restage it, leaves
// copy it out.
func (e *Engine) bcastShm(intra *comm.Group, tp *topo.Topology, buf []byte) error {
	a, err := e.arena(intra)
	if err != nil {
		return err
	}
	l1 := localRanks(intra, tp.Numa, tp.Leader(tp.Numa))
	l2 := localRanks(intra, tp.NodeNumaLeaders, tp.Leader(tp.NodeNumaLeaders))
	return a.Bcast(buf, 0, l1, l2)
}
