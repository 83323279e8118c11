package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/zhaoxi-1213/mpi-ucx/comm"
)

const (
	// CacheLine is the stride between per-rank synchronization slots;
	// one slot per line keeps the spin loops from false sharing.
	CacheLine = 64

	// LeaderBufSize is the staging buffer at the head of every segment,
	// written by the segment's owner when it acts as a leader.
	LeaderBufSize = 16 << 10

	// PerRankShm is the scratch slot each rank gets inside its leader's
	// segment for small-message reductions.
	PerRankShm = 8 << 10
)

// An Arena is one rank's mapping of its group's segments. Every rank
// owns one segment; all ranks of the group map all segments, so any
// rank can read a peer's staging buffer or spin on a slot in a peer's
// synchronization region.
//
// Segment layout, for a group of n ranks:
//
//	[0, 16K)                leader staging buffer
//	[16K, +64*n)            per-rank slots, level-1 handshakes
//	[.., +64*n)             per-rank slots, level-2 handshakes
//	[.., +8K*n)             per-rank scratch slots
//	[.., +64*n)             per-rank broadcast flags
type Arena struct {
	group *comm.Group
	rank  int
	segs  [][]byte

	syncL1Off int
	syncL2Off int
	scratch   int
	flagsOff  int

	// Handshake generations, one per direction, advancing in lockstep
	// with the slot values in shared memory.
	gen [2]uint32
}

// Dir selects which of a rank's two independent handshake counters a
// Sync call advances. Reduction trees synchronize upward and downward
// in alternation; separate counters let one direction's round N overlap
// the other's round N+1 without aliasing.
type Dir int

const (
	Up Dir = iota
	Down
)

// Region selects which per-level slot block a handshake spins on.
type Region int

const (
	RegionL1 Region = iota
	RegionL2
)

// SegmentSize returns the byte size of one rank's segment for a group
// of n ranks.
func SegmentSize(n int) int {
	return LeaderBufSize + 2*CacheLine*n + PerRankShm*n + CacheLine*n
}

// Segments are named by the group's member fingerprint, not its ID, so
// ranks that derived the same group independently open the same memory.
func segmentName(g *comm.Group, rank int) string {
	return fmt.Sprintf("coll-%s-%d", g.Fingerprint(), rank)
}

// Attach maps all of the group's segments for the given group-local
// rank, creating them as needed. Every member must attach before any
// collective uses the arena; the provider guarantees that concurrent
// opens of the same name converge on one mapping.
func Attach(prov Provider, g *comm.Group, rank int) (*Arena, error) {
	n := g.Size()
	if rank < 0 || rank >= n {
		return nil, errors.Errorf("shm: rank %d outside group of size %d", rank, n)
	}
	a := &Arena{
		group:     g,
		rank:      rank,
		segs:      make([][]byte, n),
		syncL1Off: LeaderBufSize,
		syncL2Off: LeaderBufSize + CacheLine*n,
		scratch:   LeaderBufSize + 2*CacheLine*n,
		flagsOff:  LeaderBufSize + 2*CacheLine*n + PerRankShm*n,
	}
	size := SegmentSize(n)
	for r := 0; r < n; r++ {
		seg, err := prov.Open(segmentName(g, r), size)
		if err != nil {
			return nil, errors.Wrapf(err, "attach segment of rank %d", r)
		}
		a.segs[r] = seg
	}
	return a, nil
}

// Release removes the caller's own segment from the provider. Peers may
// still hold their mappings; the provider reclaims the name for future
// groups.
func (a *Arena) Release(prov Provider) error {
	return prov.Remove(segmentName(a.group, a.rank))
}

// Rank returns the caller's group-local rank.
func (a *Arena) Rank() int { return a.rank }

// LeaderBuf returns the staging buffer at the head of owner's segment.
func (a *Arena) LeaderBuf(owner int) []byte {
	return a.segs[owner][:LeaderBufSize]
}

// Scratch returns rank r's scratch slot inside owner's segment.
func (a *Arena) Scratch(owner, r int) []byte {
	off := a.scratch + r*PerRankShm
	return a.segs[owner][off : off+PerRankShm]
}

func (a *Arena) syncSlot(region Region, owner, r int) *atomic.Uint32 {
	off := a.syncL1Off
	if region == RegionL2 {
		off = a.syncL2Off
	}
	return wordAt(a.segs[owner], off+CacheLine*r)
}

func (a *Arena) flag(owner, r int) *atomic.Uint32 {
	return wordAt(a.segs[owner], a.flagsOff+CacheLine*r)
}

// wordAt views 4 bytes of a segment as an atomic word. Offsets are
// multiples of the cache line, so alignment always holds.
func wordAt(seg []byte, off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&seg[off]))
}
