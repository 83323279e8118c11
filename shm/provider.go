// Package shm implements the shared staging area and the lock-free
// handshake protocol used by co-resident ranks. Every rank owns one
// named segment mapped by all of its peers; payload slots are
// single-writer multi-reader, and synchronization runs over cache-line
// sized generation counters with no kernel locks.
package shm

import (
	"sync"

	"github.com/pkg/errors"
)

// A Provider maps named shared segments. The same name must yield the
// same backing memory for every rank that opens it.
type Provider interface {
	// Open creates the named segment if absent and returns its memory.
	Open(name string, size int) ([]byte, error)

	// Remove destroys the named segment once no rank needs it.
	Remove(name string) error
}

// MemProvider is the in-process Provider: ranks running as goroutines
// in one address space share segments through a registry. It stands in
// for a POSIX shm_open-backed provider with the same interface.
type MemProvider struct {
	mu   sync.Mutex
	segs map[string][]byte
}

// NewMemProvider creates an empty segment registry. All ranks of a run
// must share one instance.
func NewMemProvider() *MemProvider {
	return &MemProvider{segs: map[string][]byte{}}
}

func (m *MemProvider) Open(name string, size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seg, ok := m.segs[name]; ok {
		if len(seg) < size {
			return nil, errors.Errorf("shm: segment %q smaller than requested (%d < %d)",
				name, len(seg), size)
		}
		return seg, nil
	}
	seg := make([]byte, size)
	m.segs[name] = seg
	return seg, nil
}

func (m *MemProvider) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.segs, name)
	return nil
}
