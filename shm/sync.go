package shm

import "runtime"

// spin yields the processor between polls of a peer's slot. Goroutine
// ranks share OS threads, so a raw busy loop could starve the very
// writer being waited on.
func spin() {
	runtime.Gosched()
}

// Sync is a generation-numbered rendezvous across the listed ranks.
// All members of group must call it with the same region, group, and
// direction; group[0] is the round's leader and all slots live in the
// leader's segment.
//
// The round runs in two phases on a shared generation number S:
//
//  1. The leader announces S in its own slot; followers wait for the
//     announcement, then acknowledge by writing S+1 to their slots.
//  2. The leader waits until every follower's slot has left S, then
//     advances its slot to S+1; followers wait for that advancement.
//
// Both sides leave with their local counter at S+1, so consecutive
// rounds never confuse a stale slot for a fresh acknowledgement. The
// counter advances with the slots it is matched against, so a region
// must always be paired with the same direction. No rank may touch
// payload written before the round until Sync returns.
func (a *Arena) Sync(region Region, group []int, dir Dir) {
	leader := group[0]
	me := a.rank
	lead := a.syncSlot(region, leader, leader)
	val := a.gen[dir]

	if me == leader {
		lead.Store(val)
		for _, f := range group[1:] {
			s := a.syncSlot(region, leader, f)
			for s.Load() == val {
				spin()
			}
		}
		val++
		lead.Store(val)
	} else {
		for lead.Load() != val {
			spin()
		}
		val++
		a.syncSlot(region, leader, me).Store(val)
		for lead.Load() != val {
			spin()
		}
	}
	a.gen[dir] = val
}
