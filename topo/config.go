// Package topo builds and caches the node/socket/NUMA/subgroup hierarchy
// the collective engine routes through. A topology is computed per
// process group from a locality map, cached by group identity, and
// rebuilt when a rooted operation's root moves (up to a churn bound).
package topo

import (
	"math/bits"

	"github.com/pkg/errors"
)

// Config is the static tuning surface of the engine. It is read at
// construction and never reloaded.
type Config struct {
	// SGSize is the fixed subgroup size bounding intra-node fan-out.
	// Must be a power of two between 1 and 16.
	SGSize int

	// SGScale divides SGSize to obtain the effective subgroup count.
	SGScale int

	// ForceNuma overrides the decision table's NUMA routing choice:
	// -1 leaves the table's choice, 0 forces it off, 1 forces it on.
	ForceNuma int

	// ForceSocket overrides socket-leader routing the same way.
	ForceSocket int

	// DisableShmBcast turns the shared-memory broadcast path off.
	DisableShmBcast bool

	// DisableDirect turns the direct-mapped reduce paths off.
	DisableDirect bool

	// UseSRBuf maps the caller's send/receive buffers directly in the
	// direct-mapped paths. When false, operands are staged through
	// scratch of ScratchSize bytes, and the direct paths are only
	// eligible while the message fits in half of it.
	UseSRBuf    bool
	ScratchSize int

	// RootChangeThresh bounds how many root changes a cached topology
	// absorbs before rooted operations give up on it.
	RootChangeThresh int

	// MaxGroups bounds the number of cached per-group topologies.
	MaxGroups int
}

// DefaultConfig mirrors the stock tuning.
func DefaultConfig() Config {
	return Config{
		SGSize:           8,
		SGScale:          1,
		ForceNuma:        -1,
		ForceSocket:      -1,
		UseSRBuf:         true,
		ScratchSize:      32 << 20,
		RootChangeThresh: 10,
		MaxGroups:        40,
	}
}

// SGCnt is the effective subgroup size.
func (c Config) SGCnt() int { return c.SGSize / c.SGScale }

func isPow2(v int) bool { return v > 0 && v&(v-1) == 0 }

func (c Config) Validate() error {
	if !isPow2(c.SGSize) || c.SGSize > 16 {
		return errors.Errorf("topo: subgroup size %d must be a power of two in [1,16]", c.SGSize)
	}
	if c.SGScale < 1 || c.SGSize%c.SGScale != 0 || !isPow2(c.SGCnt()) {
		return errors.Errorf("topo: subgroup scale %d does not divide size %d into a power of two",
			c.SGScale, c.SGSize)
	}
	if c.RootChangeThresh < 0 {
		return errors.New("topo: negative root change threshold")
	}
	if c.MaxGroups < 1 {
		return errors.New("topo: max cached groups must be positive")
	}
	return nil
}

// Log2SGCnt is the tree depth implied by the subgroup size.
func (c Config) Log2SGCnt() int { return bits.Len(uint(c.SGCnt())) - 1 }
