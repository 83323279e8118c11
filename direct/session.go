package direct

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/zhaoxi-1213/mpi-ucx/base"
	"github.com/zhaoxi-1213/mpi-ucx/comm"
)

// A Session is one collective's window onto every peer's buffers: the
// local operand and result buffers registered with the mapper, and the
// peers' buffers mapped after a token exchange. Sessions are opened per
// operation and must be released on every exit path.
type Session struct {
	p *comm.Proc
	g *comm.Group
	m Mapper

	rank int

	srcTok, dstTok Token
	srcOwned       bool // src registered separately from dst

	// src and dst are indexed by group-local rank; the caller's own
	// entries alias its local buffers rather than a mapping.
	src [][]byte
	dst [][]byte

	mapped   []Token
	released bool
}

// OpenSession registers sbuf and rbuf, exchanges tokens with the group,
// and maps every peer's buffers. sbuf may be comm.InPlace, in which case
// rbuf doubles as the operand. On error, everything already registered
// or mapped is torn down before returning; no barrier has run yet, so
// peers are not left waiting on a failed opener mid-phase.
func OpenSession(p *comm.Proc, g *comm.Group, m Mapper, sbuf, rbuf []byte) (*Session, error) {
	rank := p.LocalRank(g)
	if rank < 0 {
		return nil, errors.New("direct: caller is not a member of the group")
	}
	if len(rbuf) == 0 {
		return nil, errors.New("direct: empty result buffer")
	}
	s := &Session{p: p, g: g, m: m, rank: rank}

	operand := sbuf
	if operand == nil {
		operand = rbuf
	}
	var err error
	s.dstTok, err = m.Register(rbuf)
	if err != nil {
		return nil, errors.Wrap(err, "direct: register result buffer")
	}
	if &operand[0] == &rbuf[0] {
		s.srcTok = s.dstTok
	} else {
		s.srcTok, err = m.Register(operand)
		if err != nil {
			s.Release()
			return nil, errors.Wrap(err, "direct: register operand buffer")
		}
		s.srcOwned = true
	}

	record := make([]byte, 2*TokenSize)
	s.srcTok.Encode(record)
	s.dstTok.Encode(record[TokenSize:])
	records, err := base.Allgather(p, g, record)
	if err != nil {
		s.Release()
		return nil, errors.Wrap(err, "direct: token exchange")
	}

	size := g.Size()
	s.src = make([][]byte, size)
	s.dst = make([][]byte, size)
	s.src[rank] = operand
	s.dst[rank] = rbuf
	for r := 0; r < size; r++ {
		if r == rank {
			continue
		}
		st := DecodeToken(records[r])
		dt := DecodeToken(records[r][TokenSize:])
		if s.src[r], err = s.mapToken(st); err != nil {
			s.Release()
			return nil, err
		}
		if dt.Handle == st.Handle {
			s.dst[r] = s.src[r]
			continue
		}
		if s.dst[r], err = s.mapToken(dt); err != nil {
			s.Release()
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) mapToken(tok Token) ([]byte, error) {
	buf, err := s.m.Map(tok)
	if err != nil {
		return nil, errors.Wrapf(err, "direct: map handle %d", tok.Handle)
	}
	s.mapped = append(s.mapped, tok)
	return buf, nil
}

// Release unmaps every peer buffer and withdraws the local
// registrations. It is idempotent and runs on every exit path; teardown
// failures are logged and folded into the returned error rather than
// stopping the remaining cleanup.
func (s *Session) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	var first error
	for _, tok := range s.mapped {
		if err := s.m.Unmap(tok); err != nil {
			klog.Warningf("direct: unmap handle %d: %v", tok.Handle, err)
			if first == nil {
				first = err
			}
		}
	}
	s.mapped = nil
	if s.srcOwned {
		if err := s.m.Deregister(s.srcTok); err != nil && first == nil {
			first = err
		}
	}
	if err := s.m.Deregister(s.dstTok); err != nil && first == nil {
		first = err
	}
	return errors.Wrap(first, "direct: release")
}
