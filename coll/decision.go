// Package coll holds the algorithm selector and the collective drivers:
// the allreduce and broadcast entry points that validate preconditions,
// consult the cached topology, pick a strategy from the fixed decision
// tables, and execute it, falling back to the generic algorithms on any
// unavailability.
package coll

import (
	"github.com/zhaoxi-1213/mpi-ucx/topo"
)

// AllreduceAlg tags one allreduce execution strategy.
type AllreduceAlg int

const (
	ArRecursiveDoubling AllreduceAlg = iota
	ArShmSmall
	ArRedScatAllgather
	ArRing
	ArDirectFlat
	ArDirectHier
)

func (a AllreduceAlg) String() string {
	switch a {
	case ArRecursiveDoubling:
		return "recursive-doubling"
	case ArShmSmall:
		return "shm-small"
	case ArRedScatAllgather:
		return "redscat-allgather"
	case ArRing:
		return "ring"
	case ArDirectFlat:
		return "direct-flat"
	case ArDirectHier:
		return "direct-hier"
	}
	return "unknown"
}

// allreduceInner is the inner size table consulted for the mid-size
// band. The band edges are deliberately odd-looking measured values;
// keep them literal.
func allreduceInner(total int) AllreduceAlg {
	switch {
	case total <= 256:
		return ArRecursiveDoubling
	case total <= 1045876:
		return ArRedScatAllgather
	default:
		return ArRing
	}
}

// SelectAllreduce maps (group size, node count, total payload bytes,
// tuning) to an allreduce strategy. Pure function; preconditions such as
// commutativity and the size-1 short circuit are the driver's job.
// hostOpt reports that both buffers are host-resident and the datatype
// is predefined, which every optimized path requires.
func SelectAllreduce(numNodes, total int, cfg topo.Config, hostOpt bool) AllreduceAlg {
	if numNodes != 1 {
		return ArRedScatAllgather
	}
	directOK := hostOpt && !cfg.DisableDirect &&
		(cfg.UseSRBuf || cfg.ScratchSize > 2*total)
	switch {
	case total < 32:
		return ArRecursiveDoubling
	case total < 512 && hostOpt:
		return ArShmSmall
	case total <= 2048:
		return ArRecursiveDoubling
	case total < 65536:
		return allreduceInner(total)
	case total < 4<<20:
		if directOK {
			return ArDirectFlat
		}
		return ArRedScatAllgather
	case total <= 16<<20:
		if directOK {
			return ArDirectHier
		}
		return ArRedScatAllgather
	default:
		if directOK {
			return ArDirectFlat
		}
		return ArRedScatAllgather
	}
}

// BcastChoice is the broadcast strategy tuple: which levels to route
// through and whether each stage fans out linearly or along a tree.
type BcastChoice struct {
	// SGCnt is the subgroup size the staged path should use; equal to
	// the node size it means no subgroup stage at all.
	SGCnt int

	// Use0 routes the first stage across node leaders; UseSocket
	// replaces that with socket leaders. UseNuma moves the leaf stage
	// from fixed subgroups to NUMA groups. UseShm serves the intra-node
	// stage from the shared staging area.
	Use0      bool
	UseNuma   bool
	UseSocket bool
	UseShm    bool

	// LinN selects linear (true) or binomial-tree (false) fan-out for
	// the leader, base-rank and leaf stages respectively.
	Lin0 bool
	Lin1 bool
	Lin2 bool
}

// SelectBcast is the fixed two-dimensional broadcast table: single-node
// groups choose subgroup size and fan-out shape by size bands shifted by
// the subgroup size; multi-node groups choose a routing level and
// per-stage fan-out by node-count bands. Configuration overrides are
// applied last and win. Small-group, no-topology and knomial cutovers
// happen in the driver before this table is consulted.
func SelectBcast(size, nodeSize, numNodes, total int, cfg topo.Config) BcastChoice {
	sg := cfg.SGCnt()
	c := BcastChoice{SGCnt: sg}

	lin := func(l0, l1, l2 bool) {
		c.Lin0, c.Lin1, c.Lin2 = l0, l1, l2
	}

	if size <= nodeSize {
		switch {
		case total <= 8192 && size >= 16 && !cfg.DisableShmBcast:
			c.UseShm = true
			return c
		case size <= sg:
			c.SGCnt = sg
			if total <= 8192 {
				lin(false, false, false)
			} else {
				lin(false, true, true)
			}
		case size <= sg<<1:
			switch {
			case total <= 1024:
				c.SGCnt = size
				lin(false, false, false)
			case total <= 8192:
				c.SGCnt = sg
				lin(false, false, false)
			case total <= 2<<20:
				c.SGCnt = size
				lin(false, true, true)
			default:
				c.SGCnt = sg
				lin(false, false, false)
			}
		case size <= sg<<2:
			switch {
			case total <= 1024:
				c.SGCnt = size
				lin(false, false, false)
			case total <= 8192:
				c.SGCnt = sg
				lin(false, false, false)
			case total <= 32768:
				c.SGCnt = sg
				lin(false, true, true)
			case total <= 4<<20:
				c.SGCnt = size
				lin(false, true, true)
			default:
				c.SGCnt = sg
				lin(false, false, false)
			}
		case size <= sg<<3:
			switch {
			case total <= 1024:
				c.SGCnt = size
				lin(false, false, false)
			case total <= 8192:
				c.SGCnt = sg
				lin(false, false, false)
			case total <= 262144:
				c.SGCnt = sg
				lin(false, true, true)
			default:
				c.SGCnt = size
				lin(false, true, true)
			}
		case size <= sg<<4:
			switch {
			case total <= 512:
				c.SGCnt = size
				lin(false, false, false)
			case total <= 8192:
				c.SGCnt = sg
				lin(false, false, false)
			case total <= 262144:
				c.SGCnt = sg
				lin(false, true, true)
			default:
				c.SGCnt = size
				lin(false, true, true)
			}
		default:
			switch {
			case total <= 512:
				c.SGCnt = size
				lin(false, false, false)
			case total <= 8192:
				c.SGCnt = sg
				lin(false, false, false)
			case total <= 262144:
				c.SGCnt = sg
				lin(false, true, true)
			case total <= 16<<20:
				c.SGCnt = size
				lin(false, true, true)
			default:
				c.SGCnt = sg
				c.UseNuma = true
				lin(false, true, true)
			}
		}
	} else {
		c.Use0 = true
		c.SGCnt = sg
		switch {
		case numNodes == 2:
			lin(true, true, true)
			if total <= 8192 {
				c.UseShm = true
			} else {
				c.UseSocket = true
				c.UseNuma = total > 2<<20
			}
		case numNodes <= 4:
			switch {
			case total <= 64:
				c.UseSocket = true
				lin(true, true, false)
			case total <= 512:
				c.UseShm = true
				lin(true, true, false)
			case total <= 2<<20:
				c.UseSocket = true
				lin(true, true, true)
			default:
				c.UseNuma = true
				c.UseSocket = total > 4<<20
				lin(true, true, true)
			}
		case numNodes <= 6:
			lin(true, true, true)
			switch {
			case total <= 4096:
				c.UseShm = true
			case total <= 524288:
				c.UseSocket = true
			default:
				c.UseNuma = true
			}
		case numNodes <= 8:
			lin(true, true, true)
			if total <= 8192 {
				c.UseShm = true
			} else {
				c.UseNuma = true
			}
		case numNodes <= 10:
			c.UseNuma = true
			if total <= 32768 {
				lin(true, true, false)
			} else {
				lin(true, true, true)
			}
		default:
			c.UseNuma = true
			switch {
			case total <= 64:
				lin(true, false, true)
			case total <= 2<<20:
				lin(true, true, true)
			default:
				c.UseSocket = true
				lin(false, true, true)
			}
		}
	}

	if cfg.ForceNuma != -1 {
		c.UseNuma = cfg.ForceNuma == 1
		if c.UseNuma {
			c.SGCnt = sg
		}
	}
	if cfg.ForceSocket != -1 {
		c.UseSocket = cfg.ForceSocket == 1
	}
	if cfg.DisableShmBcast {
		c.UseShm = false
	}
	return c
}
