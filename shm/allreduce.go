package shm

import (
	"github.com/pkg/errors"

	"github.com/zhaoxi-1213/mpi-ucx/dtype"
)

// MaxSmallReduce is the largest payload AllreduceSmall accepts; it must
// fit the per-rank scratch slot with headroom for several rounds of
// reuse, and the selector keeps real traffic far below it.
const MaxSmallReduce = PerRankShm

// AllreduceSmall runs the two-level shared-memory reduction for small
// payloads. l1 lists the caller's leaf-level ranks (leader first) and
// l2 the leaders of all leaves (l2[0] leads the leaders); both are
// group-local arena ranks and every member of the arena's group must
// call with consistent lists.
//
// Each rank deposits its operand into its scratch slot inside its
// leader's segment. The leader folds the slots into its staging buffer
// and into rbuf, then every leader reads every other leader's partial
// straight out of shared memory and folds it in. Only leaders leave
// with rbuf complete; the caller broadcasts to non-leaders afterwards,
// and that distribution is load-bearing: a member must not re-enter a
// shared-memory collective (and overwrite its scratch slot) until it
// has received the result, which the leader only sends once it is done
// reading the slots.
func (a *Arena) AllreduceSmall(sbuf, rbuf []byte, count int, t dtype.Type, op dtype.Op, l1, l2 []int) error {
	n := count * t.Size()
	if n > MaxSmallReduce {
		return errors.Errorf("shm: payload of %d bytes exceeds scratch slot", n)
	}
	if !op.Commutative {
		return errors.New("shm: shared-memory reduction requires a commutative op")
	}
	me := a.rank
	lead := l1[0]
	in := sbuf
	if in == nil { // in-place: operand already sits in rbuf
		in = rbuf
	}

	// Separate the leaders' previous cross-read from this round's
	// staging-buffer overwrite.
	if me == lead && len(l2) > 1 {
		a.Sync(RegionL2, l2, Down)
	}

	copy(a.Scratch(lead, me), in[:n])
	a.Sync(RegionL1, l1, Up)

	if me != lead {
		return nil
	}

	acc := a.LeaderBuf(me)
	copy(acc, a.Scratch(lead, me)[:n])
	for _, m := range l1[1:] {
		if err := dtype.Reduce(op, a.Scratch(lead, m), acc, count, t); err != nil {
			return err
		}
	}
	copy(rbuf, acc[:n])

	if len(l2) > 1 {
		a.Sync(RegionL2, l2, Down)
		for _, other := range l2 {
			if other == me {
				continue
			}
			if err := dtype.Reduce(op, a.LeaderBuf(other), rbuf[:n], count, t); err != nil {
				return err
			}
		}
	}
	return nil
}
