package base

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/zhaoxi-1213/mpi-ucx/comm"
	"github.com/zhaoxi-1213/mpi-ucx/dtype"
)

// setup copies the send operand into recv (honoring the in-place
// sentinel) and validates membership.
func setup(p *comm.Proc, g *comm.Group, send, recv []byte, nbytes int) (rank int, err error) {
	rank = p.LocalRank(g)
	if rank < 0 {
		return 0, errors.New("base: caller is not a member of the group")
	}
	if send != nil {
		copy(recv[:nbytes], send)
	}
	return rank, nil
}

// fold collapses a non-power-of-two group onto the largest power of two
// below it. Ranks below 2*rem pair up: evens surrender their operand to
// the odd neighbor and sit out with newRank -1; odds fold the received
// operand in as the left operand, preserving rank order.
func fold(p *comm.Proc, g *comm.Group, rank int, recv []byte, count int, t dtype.Type, op dtype.Op) (pof2, newRank int, err error) {
	size := g.Size()
	pof2 = 1 << (bits.Len(uint(size)) - 1)
	rem := size - pof2
	nbytes := count * t.Size()

	switch {
	case rank < 2*rem && rank%2 == 0:
		if err := p.Send(g, rank+1, comm.TagAllreduce, recv[:nbytes]); err != nil {
			return 0, 0, errors.Wrap(err, "base: fold send")
		}
		return pof2, -1, nil
	case rank < 2*rem:
		in, err := p.Recv(g, rank-1, comm.TagAllreduce)
		if err != nil {
			return 0, 0, errors.Wrap(err, "base: fold recv")
		}
		if err := dtype.Reduce(op, in, recv, count, t); err != nil {
			return 0, 0, err
		}
		return pof2, rank / 2, nil
	default:
		return pof2, rank - rem, nil
	}
}

// unfold hands the finished result back to the ranks parked by fold.
func unfold(p *comm.Proc, g *comm.Group, rank int, recv []byte, nbytes int) error {
	size := g.Size()
	pof2 := 1 << (bits.Len(uint(size)) - 1)
	rem := size - pof2
	if rank < 2*rem {
		if rank%2 == 0 {
			in, err := p.Recv(g, rank+1, comm.TagAllreduce)
			if err != nil {
				return errors.Wrap(err, "base: unfold recv")
			}
			copy(recv[:nbytes], in)
		} else {
			if err := p.Send(g, rank-1, comm.TagAllreduce, recv[:nbytes]); err != nil {
				return errors.Wrap(err, "base: unfold send")
			}
		}
	}
	return nil
}

// realRank maps a folded rank back to its group-local rank.
func realRank(newRank, rem int) int {
	if newRank < rem {
		return newRank*2 + 1
	}
	return newRank + rem
}

// AllreduceRecursiveDoubling reduces with pairwise exchanges over
// doubling distances. It keeps operands ordered by rank, so it is the
// safe algorithm for non-commutative operators.
func AllreduceRecursiveDoubling(p *comm.Proc, g *comm.Group, send, recv []byte, count int, t dtype.Type, op dtype.Op) error {
	nbytes := count * t.Size()
	rank, err := setup(p, g, send, recv, nbytes)
	if err != nil {
		return err
	}
	if g.Size() == 1 {
		return nil
	}
	pof2, newRank, err := fold(p, g, rank, recv, count, t, op)
	if err != nil {
		return err
	}
	rem := g.Size() - pof2

	if newRank >= 0 {
		scratch := make([]byte, nbytes)
		for mask := 1; mask < pof2; mask <<= 1 {
			peer := realRank(newRank^mask, rem)
			in, err := sendRecv(p, g, peer, comm.TagAllreduce, recv[:nbytes])
			if err != nil {
				return errors.Wrap(err, "base: recursive doubling exchange")
			}
			if peer < rank {
				// Peer's operand precedes ours.
				if err := dtype.Reduce(op, in, recv, count, t); err != nil {
					return err
				}
			} else {
				// Ours precedes: recv = recv ⊕ in, staged through
				// scratch to keep operand order without aliasing.
				if err := dtype.Reduce3(op, recv, in, scratch, count, t); err != nil {
					return err
				}
				copy(recv[:nbytes], scratch)
			}
		}
	}
	return unfold(p, g, rank, recv, nbytes)
}

// blockOffsets splits count elements into parts blocks, remainder to the
// last, returning element offsets (len parts+1).
func blockOffsets(count, parts int) []int {
	offs := make([]int, parts+1)
	for i := 0; i < parts; i++ {
		off, _ := ChunkRange(count, parts, i)
		offs[i] = off
	}
	offs[parts] = count
	return offs
}

type halvingStep struct {
	peer             int
	myLow, myHigh    int
	thLow, thHigh    int
}

// AllreduceRedScatAllgather is the bandwidth-optimal two-phase
// algorithm: recursive-halving reduce-scatter followed by
// recursive-doubling allgather. Operand order is not preserved, so it
// must only be used with commutative operators.
func AllreduceRedScatAllgather(p *comm.Proc, g *comm.Group, send, recv []byte, count int, t dtype.Type, op dtype.Op) error {
	nbytes := count * t.Size()
	rank, err := setup(p, g, send, recv, nbytes)
	if err != nil {
		return err
	}
	size := g.Size()
	if size == 1 {
		return nil
	}
	if count < size {
		// Too little data to scatter a block per rank.
		return AllreduceRecursiveDoubling(p, g, comm.InPlace, recv, count, t, op)
	}
	pof2, newRank, err := fold(p, g, rank, recv, count, t, op)
	if err != nil {
		return err
	}
	rem := size - pof2
	es := t.Size()

	if newRank >= 0 {
		offs := blockOffsets(count, pof2)
		var steps []halvingStep

		low, high := 0, pof2
		for mask := pof2 >> 1; mask > 0; mask >>= 1 {
			peer := realRank(newRank^mask, rem)
			mid := (low + high) / 2
			var st halvingStep
			if newRank < newRank^mask {
				st = halvingStep{peer: peer, myLow: low, myHigh: mid, thLow: mid, thHigh: high}
			} else {
				st = halvingStep{peer: peer, myLow: mid, myHigh: high, thLow: low, thHigh: mid}
			}
			out := recv[offs[st.thLow]*es : offs[st.thHigh]*es]
			in, err := sendRecv(p, g, peer, comm.TagAllreduce, out)
			if err != nil {
				return errors.Wrap(err, "base: reduce-scatter exchange")
			}
			n := offs[st.myHigh] - offs[st.myLow]
			if err := dtype.Reduce(op, in, recv[offs[st.myLow]*es:], n, t); err != nil {
				return err
			}
			steps = append(steps, st)
			low, high = st.myLow, st.myHigh
		}

		// Allgather retraces the halving in reverse, growing the owned
		// block range back to the whole vector.
		for i := len(steps) - 1; i >= 0; i-- {
			st := steps[i]
			out := recv[offs[st.myLow]*es : offs[st.myHigh]*es]
			in, err := sendRecv(p, g, st.peer, comm.TagAllreduce, out)
			if err != nil {
				return errors.Wrap(err, "base: allgather exchange")
			}
			copy(recv[offs[st.thLow]*es:offs[st.thHigh]*es], in)
		}
	}
	return unfold(p, g, rank, recv, nbytes)
}

// AllreduceRing runs the segmented ring: a reduce-scatter pass where
// each rank accumulates one block while blocks circulate, then an
// allgather pass circulating the finished blocks. Commutative operators
// only.
func AllreduceRing(p *comm.Proc, g *comm.Group, send, recv []byte, count int, t dtype.Type, op dtype.Op) error {
	nbytes := count * t.Size()
	rank, err := setup(p, g, send, recv, nbytes)
	if err != nil {
		return err
	}
	size := g.Size()
	if size == 1 {
		return nil
	}
	if count < size {
		return AllreduceRecursiveDoubling(p, g, comm.InPlace, recv, count, t, op)
	}
	es := t.Size()
	offs := blockOffsets(count, size)
	next := (rank + 1) % size
	prev := (rank - 1 + size) % size

	block := func(i int) []byte { return recv[offs[i]*es : offs[i+1]*es] }

	for s := 0; s < size-1; s++ {
		sendIdx := (rank - s + size) % size
		recvIdx := (rank - s - 1 + size) % size
		if err := p.Send(g, next, comm.TagAllreduce, block(sendIdx)); err != nil {
			return errors.Wrap(err, "base: ring reduce send")
		}
		in, err := p.Recv(g, prev, comm.TagAllreduce)
		if err != nil {
			return errors.Wrap(err, "base: ring reduce recv")
		}
		n := offs[recvIdx+1] - offs[recvIdx]
		if err := dtype.Reduce(op, in, recv[offs[recvIdx]*es:], n, t); err != nil {
			return err
		}
	}
	for s := 0; s < size-1; s++ {
		sendIdx := (rank + 1 - s + size) % size
		recvIdx := (rank - s + size) % size
		if err := p.Send(g, next, comm.TagAllreduce, block(sendIdx)); err != nil {
			return errors.Wrap(err, "base: ring gather send")
		}
		in, err := p.Recv(g, prev, comm.TagAllreduce)
		if err != nil {
			return errors.Wrap(err, "base: ring gather recv")
		}
		copy(block(recvIdx), in)
	}
	return nil
}
