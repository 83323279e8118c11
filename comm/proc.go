package comm

// A Tag separates message streams belonging to different collective
// phases sharing one transport. Matching is by (source, tag), and
// per-pair delivery is ordered, so consecutive collectives may reuse the
// same tag without crosstalk.
type Tag int

const (
	TagBcast Tag = iota + 1
	TagAllreduce
	TagBarrier
	TagAllgather
)

// InPlace is the sentinel send buffer for allreduce meaning the operand
// already sits in the receive buffer.
var InPlace []byte

// A Transport delivers point-to-point messages between world ranks.
// Send must not block waiting for the receiver; Recv blocks until a
// matching message arrives. A rank that waits for a message its peer
// never sends blocks forever, which is the contract of SPMD collectives.
type Transport interface {
	Send(to int, tag Tag, payload []byte) error
	Recv(from int, tag Tag) ([]byte, error)
}

// A Proc is one rank's handle on the runtime: its world rank and its
// transport endpoint. Collective algorithms take a Proc plus the Group
// the operation runs over.
type Proc struct {
	// Rank is this process's world rank.
	Rank int

	// Net is the rank's point-to-point transport endpoint.
	Net Transport
}

// LocalRank returns the calling rank's index within g, or -1 when the
// rank is not a member.
func (p *Proc) LocalRank(g *Group) int {
	return g.Rank(p.Rank)
}

// Send sends to a group-local peer.
func (p *Proc) Send(g *Group, to int, tag Tag, payload []byte) error {
	return p.Net.Send(g.World(to), tag, payload)
}

// Recv receives from a group-local peer.
func (p *Proc) Recv(g *Group, from int, tag Tag) ([]byte, error) {
	return p.Net.Recv(g.World(from), tag)
}
