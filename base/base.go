// Package base implements the generic collective algorithms the
// hierarchical engine falls back to: linear, binomial and k-nomial
// broadcast trees, recursive-doubling and reduce-scatter-allgather and
// ring allreduce, a dissemination barrier, and an allgather of
// fixed-size records. All of them run over the point-to-point transport
// and make no topology assumptions.
package base

import (
	"github.com/pkg/errors"

	"github.com/zhaoxi-1213/mpi-ucx/comm"
)

// ChunkRange computes the contiguous element range owned by participant
// idx when count elements are divided over parts participants. The
// division is even, with the remainder absorbed by the last participant.
func ChunkRange(count, parts, idx int) (off, n int) {
	chunk := count / parts
	off = chunk * idx
	n = chunk
	if idx == parts-1 {
		n = count - off
	}
	return off, n
}

// sendRecv posts a send and then blocks on the matching receive. Sends
// never block on the receiver, so symmetric exchanges cannot deadlock.
func sendRecv(p *comm.Proc, g *comm.Group, peer int, tag comm.Tag, payload []byte) ([]byte, error) {
	if err := p.Send(g, peer, tag, payload); err != nil {
		return nil, err
	}
	return p.Recv(g, peer, tag)
}

// Barrier is a dissemination barrier: log2(size) rounds of shifted
// exchanges. No rank exits before every rank has entered.
func Barrier(p *comm.Proc, g *comm.Group) error {
	size := g.Size()
	rank := p.LocalRank(g)
	if rank < 0 {
		return errors.New("base: caller is not a member of the group")
	}
	for mask := 1; mask < size; mask <<= 1 {
		to := (rank + mask) % size
		from := (rank - mask + size) % size
		if err := p.Send(g, to, comm.TagBarrier, nil); err != nil {
			return errors.Wrap(err, "base: barrier send")
		}
		if _, err := p.Recv(g, from, comm.TagBarrier); err != nil {
			return errors.Wrap(err, "base: barrier recv")
		}
	}
	return nil
}

// Allgather distributes each rank's fixed-size record to every rank.
// The result is indexed by group-local rank. Records must have the same
// length on every rank.
func Allgather(p *comm.Proc, g *comm.Group, record []byte) ([][]byte, error) {
	size := g.Size()
	rank := p.LocalRank(g)
	if rank < 0 {
		return nil, errors.New("base: caller is not a member of the group")
	}
	out := make([][]byte, size)
	out[rank] = append([]byte{}, record...)
	for peer := 0; peer < size; peer++ {
		if peer == rank {
			continue
		}
		if err := p.Send(g, peer, comm.TagAllgather, record); err != nil {
			return nil, errors.Wrap(err, "base: allgather send")
		}
	}
	for i := 0; i < size-1; i++ {
		// Receive in group order so matching stays deterministic.
		peer := i
		if peer >= rank {
			peer++
		}
		buf, err := p.Recv(g, peer, comm.TagAllgather)
		if err != nil {
			return nil, errors.Wrap(err, "base: allgather recv")
		}
		out[peer] = buf
	}
	return out, nil
}
