// Package transport provides an in-process implementation of the
// point-to-point transport used by the collective algorithms. Each rank
// owns a mailbox; sends append to the destination mailbox without
// blocking, and receives match by (source, tag) with a pending queue so
// out-of-order arrivals are held until someone asks for them.
package transport

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"

	"github.com/zhaoxi-1213/mpi-ucx/comm"
)

type message struct {
	from    int
	tag     comm.Tag
	payload []byte
}

// A Mesh connects a fixed set of ranks running in one process, one
// goroutine per rank. It stands in for the host runtime's transport in
// tests and single-process SPMD runs.
type Mesh struct {
	ports []*Port
}

// NewMesh creates a mesh of n ranks.
func NewMesh(n int) *Mesh {
	m := &Mesh{ports: make([]*Port, n)}
	for i := range m.ports {
		m.ports[i] = &Port{
			mesh:  m,
			rank:  i,
			avail: make(chan struct{}, 1),
		}
	}
	return m
}

// Size returns the number of ranks in the mesh.
func (m *Mesh) Size() int { return len(m.ports) }

// Port returns the endpoint belonging to a rank. Only that rank's
// goroutine may call Recv on it.
func (m *Mesh) Port(rank int) *Port { return m.ports[rank] }

// A Port is one rank's transport endpoint. It implements comm.Transport.
type Port struct {
	mesh *Mesh
	rank int

	mu    sync.Mutex
	queue []message
	avail chan struct{}
}

// Send copies the payload into the destination mailbox. It never blocks
// on the receiver.
func (p *Port) Send(to int, tag comm.Tag, payload []byte) error {
	if to < 0 || to >= len(p.mesh.ports) {
		return errors.Errorf("transport: send to unknown rank %d", to)
	}
	dst := p.mesh.ports[to]
	buf := append([]byte{}, payload...)
	dst.mu.Lock()
	dst.queue = append(dst.queue, message{from: p.rank, tag: tag, payload: buf})
	dst.mu.Unlock()
	select {
	case dst.avail <- struct{}{}:
	default:
	}
	return nil
}

// Recv blocks until a message from the given rank with the given tag is
// available, leaving non-matching messages queued. The port has a single
// consumer, so a latched wakeup cannot be lost between the scan and the
// wait.
func (p *Port) Recv(from int, tag comm.Tag) ([]byte, error) {
	if from < 0 || from >= len(p.mesh.ports) {
		return nil, errors.Errorf("transport: recv from unknown rank %d", from)
	}
	for {
		p.mu.Lock()
		for i, msg := range p.queue {
			if msg.from == from && msg.tag == tag {
				essentials.OrderedDelete(&p.queue, i)
				p.mu.Unlock()
				return msg.payload, nil
			}
		}
		p.mu.Unlock()
		<-p.avail
	}
}
