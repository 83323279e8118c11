package shm

import "github.com/pkg/errors"

// Bcast moves up to LeaderBufSize bytes from root to every listed rank
// through shared staging buffers, without touching the transport.
//
// l2 lists the intermediate leaders (root first); l1 lists the caller's
// leaf-level group, its leader first. The root stages the payload in
// its own buffer and bumps its broadcast flag; intermediate leaders
// copy it onward into their own buffers for their leaves. Every reader
// acknowledges by advancing its flag inside the segment it read from,
// which is what lets the writer reuse the buffer next round.
func (a *Arena) Bcast(buf []byte, root int, l1, l2 []int) error {
	if len(buf) > LeaderBufSize {
		return errors.Errorf("shm: broadcast of %d bytes exceeds staging buffer", len(buf))
	}
	me := a.rank

	switch {
	case me == root:
		copy(a.LeaderBuf(root), buf)
		ready := a.flag(root, root).Load() + 1
		a.flag(root, root).Store(ready)
		for _, m := range l2 {
			if m == root {
				continue
			}
			for a.flag(root, m).Load() != ready {
				spin()
			}
		}
		for _, m := range l1 {
			if m == root {
				continue
			}
			for a.flag(root, m).Load() != ready {
				spin()
			}
		}

	case me == l1[0]:
		// Intermediate leader: take from the root, restage for leaves.
		done := a.flag(root, me).Load()
		for a.flag(root, root).Load() == done {
			spin()
		}
		copy(buf, a.LeaderBuf(root)[:len(buf)])
		copy(a.LeaderBuf(me), buf)
		done++
		ready := a.flag(me, me).Load() + 1
		a.flag(me, me).Store(ready)
		a.flag(root, me).Store(done)
		for _, m := range l1[1:] {
			for a.flag(me, m).Load() != ready {
				spin()
			}
		}

	default:
		lead := l1[0]
		done := a.flag(lead, me).Load()
		for a.flag(lead, lead).Load() == done {
			spin()
		}
		copy(buf, a.LeaderBuf(lead)[:len(buf)])
		a.flag(lead, me).Store(done + 1)
	}
	return nil
}
