// Package direct implements the zero-copy reduction path for large
// payloads: ranks publish handles to their operand and result buffers,
// peers map them and reduce straight out of each other's memory, with
// transport barriers fencing the phases.
package direct

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

// A Token names a registered buffer so a peer can map it. Tokens travel
// over the transport as fixed-size records.
type Token struct {
	Handle uint64
	Len    uint64
}

// TokenSize is the wire size of one encoded token.
const TokenSize = 16

// Encode writes the token into b.
func (t Token) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b, t.Handle)
	binary.LittleEndian.PutUint64(b[8:], t.Len)
}

// DecodeToken reads a token back out of b.
func DecodeToken(b []byte) Token {
	return Token{
		Handle: binary.LittleEndian.Uint64(b),
		Len:    binary.LittleEndian.Uint64(b[8:]),
	}
}

// A Mapper grants peers access to local buffers. Register publishes a
// buffer and Deregister withdraws it; Map resolves a peer's token to
// readable memory and Unmap drops that mapping. Every Map must be paired
// with an Unmap before the owner deregisters.
type Mapper interface {
	Register(buf []byte) (Token, error)
	Deregister(tok Token) error
	Map(tok Token) ([]byte, error)
	Unmap(tok Token) error
}

// MemMapper is the single-address-space Mapper: registration hands out
// handles into a shared table and mapping returns the registered slice
// itself. It stands in for an accelerator or kernel memory-sharing
// driver behind the same interface.
type MemMapper struct {
	mu   sync.Mutex
	next uint64
	bufs map[uint64][]byte
}

// NewMemMapper creates an empty handle table shared by all ranks of a
// run.
func NewMemMapper() *MemMapper {
	return &MemMapper{bufs: map[uint64][]byte{}}
}

func (m *MemMapper) Register(buf []byte) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.bufs[m.next] = buf
	return Token{Handle: m.next, Len: uint64(len(buf))}, nil
}

func (m *MemMapper) Deregister(tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bufs[tok.Handle]; !ok {
		return errors.Errorf("direct: deregister of unknown handle %d", tok.Handle)
	}
	delete(m.bufs, tok.Handle)
	return nil
}

func (m *MemMapper) Map(tok Token) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.bufs[tok.Handle]
	if !ok {
		return nil, errors.Errorf("direct: map of unknown handle %d", tok.Handle)
	}
	if uint64(len(buf)) < tok.Len {
		return nil, errors.Errorf("direct: handle %d shorter than token claims", tok.Handle)
	}
	return buf[:tok.Len], nil
}

func (m *MemMapper) Unmap(Token) error { return nil }

// Registered returns the number of live registrations, for leak checks.
func (m *MemMapper) Registered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bufs)
}
