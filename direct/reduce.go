package direct

import (
	"github.com/pkg/errors"

	"github.com/zhaoxi-1213/mpi-ucx/base"
	"github.com/zhaoxi-1213/mpi-ucx/comm"
	"github.com/zhaoxi-1213/mpi-ucx/dtype"
)

func chunkBytes(buf []byte, count, parts, idx, esz int) []byte {
	off, n := base.ChunkRange(count, parts, idx)
	return buf[off*esz : (off+n)*esz]
}

// AllreduceFlat reduces over every rank's operand buffer in place in
// shared address space: rank r folds all operands' chunk r into its own
// result chunk, a barrier fences the writes, then every rank copies the
// peers' finished chunks. One more barrier holds the buffers alive until
// all readers are done, and the session is always released.
func AllreduceFlat(p *comm.Proc, g *comm.Group, m Mapper, sbuf, rbuf []byte, count int, t dtype.Type, op dtype.Op) error {
	if !op.Commutative {
		return errors.New("direct: direct reduction requires a commutative op")
	}
	s, err := OpenSession(p, g, m, sbuf, rbuf)
	if err != nil {
		return err
	}
	defer s.Release()

	size := g.Size()
	esz := t.Size()
	_, n := base.ChunkRange(count, size, s.rank)
	if n > 0 {
		dst := chunkBytes(rbuf, count, size, s.rank, esz)
		own := chunkBytes(s.src[s.rank], count, size, s.rank, esz)
		if &own[0] != &dst[0] {
			copy(dst, own)
		}
		for r := 0; r < size; r++ {
			if r == s.rank {
				continue
			}
			peer := chunkBytes(s.src[r], count, size, s.rank, esz)
			if err := dtype.Reduce(op, peer, dst, n, t); err != nil {
				return err
			}
		}
	}
	if err := base.Barrier(p, g); err != nil {
		return err
	}
	for r := 0; r < size; r++ {
		if r == s.rank {
			continue
		}
		_, rn := base.ChunkRange(count, size, r)
		if rn == 0 {
			continue
		}
		copy(chunkBytes(rbuf, count, size, r, esz), chunkBytes(s.dst[r], count, size, r, esz))
	}
	if err := base.Barrier(p, g); err != nil {
		return err
	}
	return s.Release()
}

// ReduceHier is the reduction half of the hierarchical large-message
// path: every rank folds all operands' chunk r straight into the root's
// result buffer, so only the root leaves with the full result. The
// caller broadcasts it afterwards.
func ReduceHier(p *comm.Proc, g *comm.Group, m Mapper, sbuf, rbuf []byte, count int, t dtype.Type, op dtype.Op, root int) error {
	if !op.Commutative {
		return errors.New("direct: direct reduction requires a commutative op")
	}
	s, err := OpenSession(p, g, m, sbuf, rbuf)
	if err != nil {
		return err
	}
	defer s.Release()

	size := g.Size()
	esz := t.Size()
	_, n := base.ChunkRange(count, size, s.rank)
	if n > 0 {
		dst := chunkBytes(s.dst[root], count, size, s.rank, esz)
		// Fold the root's operand first: when the root reduces in
		// place, its operand chunk and the destination are the same
		// memory, and it must be read before it is overwritten.
		rootOp := chunkBytes(s.src[root], count, size, s.rank, esz)
		if &rootOp[0] != &dst[0] {
			copy(dst, rootOp)
		}
		for r := 0; r < size; r++ {
			if r == root {
				continue
			}
			peer := chunkBytes(s.src[r], count, size, s.rank, esz)
			if err := dtype.Reduce(op, peer, dst, n, t); err != nil {
				return err
			}
		}
	}
	if err := base.Barrier(p, g); err != nil {
		return err
	}
	return s.Release()
}
