package base

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/zhaoxi-1213/mpi-ucx/comm"
)

// BcastLinear sends the root's buffer directly to every other rank.
// Used unconditionally for small groups, where tree setup costs more
// than it saves.
func BcastLinear(p *comm.Proc, g *comm.Group, buf []byte, root int) error {
	size := g.Size()
	rank := p.LocalRank(g)
	if rank < 0 {
		return errors.New("base: caller is not a member of the group")
	}
	if rank == root {
		for peer := 0; peer < size; peer++ {
			if peer == root {
				continue
			}
			if err := p.Send(g, peer, comm.TagBcast, buf); err != nil {
				return errors.Wrap(err, "base: linear bcast send")
			}
		}
		return nil
	}
	in, err := p.Recv(g, root, comm.TagBcast)
	if err != nil {
		return errors.Wrap(err, "base: linear bcast recv")
	}
	copy(buf, in)
	return nil
}

// hibit returns the position of the highest set bit of v below limit
// bits, or -1 when v is zero.
func hibit(v, limitBits int) int {
	v &= (1 << limitBits) - 1
	return bits.Len(uint(v)) - 1
}

// cubeDim returns the number of bits needed to index size ranks.
func cubeDim(size int) int {
	return bits.Len(uint(size - 1))
}

// BcastBinomial broadcasts along a balanced binomial tree rooted at
// root. Each rank receives from the parent obtained by clearing its
// highest shifted-rank bit and forwards to the peers obtained by setting
// each higher bit.
func BcastBinomial(p *comm.Proc, g *comm.Group, buf []byte, root int) error {
	size := g.Size()
	rank := p.LocalRank(g)
	if rank < 0 {
		return errors.New("base: caller is not a member of the group")
	}
	if size == 1 {
		return nil
	}
	dim := cubeDim(size)
	subRank := (rank - root + size) % size
	msb := hibit(subRank, dim)

	if subRank > 0 {
		parent := ((subRank &^ (1 << msb)) + root) % size
		in, err := p.Recv(g, parent, comm.TagBcast)
		if err != nil {
			return errors.Wrap(err, "base: binomial bcast recv")
		}
		copy(buf, in)
	}
	for i := msb + 1; i < dim; i++ {
		peer := subRank | (1 << i)
		if peer < size {
			peer = (peer + root) % size
			if err := p.Send(g, peer, comm.TagBcast, buf); err != nil {
				return errors.Wrap(err, "base: binomial bcast send")
			}
		}
	}
	return nil
}

// BcastKnomial broadcasts along a k-nomial tree rooted at root. With
// radix 2 it degenerates to the binomial tree; the engine uses radix 4.
func BcastKnomial(p *comm.Proc, g *comm.Group, buf []byte, root, radix int) error {
	size := g.Size()
	rank := p.LocalRank(g)
	if rank < 0 {
		return errors.New("base: caller is not a member of the group")
	}
	if radix < 2 {
		return errors.Errorf("base: knomial radix %d out of range", radix)
	}
	if size == 1 {
		return nil
	}
	vrank := (rank - root + size) % size

	mask := 1
	for mask < size {
		if vrank%(mask*radix) != 0 {
			parent := (vrank - vrank%(mask*radix) + root) % size
			in, err := p.Recv(g, parent, comm.TagBcast)
			if err != nil {
				return errors.Wrap(err, "base: knomial bcast recv")
			}
			copy(buf, in)
			break
		}
		mask *= radix
	}

	for m := mask / radix; m >= 1; m /= radix {
		for i := 1; i < radix; i++ {
			child := vrank + i*m
			if child < size {
				peer := (child + root) % size
				if err := p.Send(g, peer, comm.TagBcast, buf); err != nil {
					return errors.Wrap(err, "base: knomial bcast send")
				}
			}
		}
	}
	return nil
}
