package coll

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhaoxi-1213/mpi-ucx/topo"
)

func TestSelectAllreduceBands(t *testing.T) {
	cfg := topo.DefaultConfig()
	cases := []struct {
		name     string
		numNodes int
		total    int
		hostOpt  bool
		want     AllreduceAlg
	}{
		{"multi-node", 2, 1024, true, ArRedScatAllgather},
		{"tiny", 1, 16, true, ArRecursiveDoubling},
		{"small-shm", 1, 128, true, ArShmSmall},
		{"small-shm-upper", 1, 511, true, ArShmSmall},
		{"small-no-opt", 1, 128, false, ArRecursiveDoubling},
		{"rd-band", 1, 2048, true, ArRecursiveDoubling},
		{"mid", 1, 4096, true, ArRedScatAllgather},
		{"mid-upper", 1, 65535, true, ArRedScatAllgather},
		{"large-flat", 1, 1 << 20, true, ArDirectFlat},
		{"large-hier", 1, 8 << 20, true, ArDirectHier},
		{"huge-flat", 1, 32 << 20, true, ArDirectFlat},
		{"large-no-opt", 1, 1 << 20, false, ArRedScatAllgather},
	}
	for _, c := range cases {
		got := SelectAllreduce(c.numNodes, c.total, cfg, c.hostOpt)
		assert.Equal(t, c.want, got, c.name)
		// Pure function: the same inputs always pick the same strategy.
		assert.Equal(t, got, SelectAllreduce(c.numNodes, c.total, cfg, c.hostOpt), c.name)
	}
}

func TestSelectAllreduceDirectGates(t *testing.T) {
	cfg := topo.DefaultConfig()

	off := cfg
	off.DisableDirect = true
	assert.Equal(t, ArRedScatAllgather, SelectAllreduce(1, 1<<20, off, true))

	staged := cfg
	staged.UseSRBuf = false
	staged.ScratchSize = 3 << 20
	assert.Equal(t, ArDirectFlat, SelectAllreduce(1, 1<<20, staged, true))
	// Scratch must hold both operand and result copies.
	assert.Equal(t, ArRedScatAllgather, SelectAllreduce(1, 2<<20, staged, true))
}

func TestAllreduceInnerTable(t *testing.T) {
	assert.Equal(t, ArRecursiveDoubling, allreduceInner(256))
	assert.Equal(t, ArRedScatAllgather, allreduceInner(257))
	assert.Equal(t, ArRedScatAllgather, allreduceInner(1045876))
	assert.Equal(t, ArRing, allreduceInner(1045877))
}

func TestSelectBcastSingleNode(t *testing.T) {
	cfg := topo.DefaultConfig() // sg = 8

	// Small payload on a wide-enough group goes through shared memory.
	c := SelectBcast(32, 32, 1, 4096, cfg)
	assert.True(t, c.UseShm)

	off := cfg
	off.DisableShmBcast = true
	c = SelectBcast(32, 32, 1, 4096, off)
	assert.False(t, c.UseShm)

	// Too few ranks for the shm path.
	c = SelectBcast(12, 12, 1, 4096, cfg)
	assert.False(t, c.UseShm)
	assert.Equal(t, 8, c.SGCnt)
	assert.False(t, c.Lin1)

	// size <= sg collapses to a single stage.
	c = SelectBcast(8, 8, 1, 64<<10, cfg)
	assert.Equal(t, 8, c.SGCnt)
	assert.True(t, c.Lin1)
	assert.True(t, c.Lin2)

	// size in (sg, 2sg]: band edges by payload.
	c = SelectBcast(12, 12, 1, 1024, cfg)
	assert.Equal(t, 12, c.SGCnt)
	c = SelectBcast(12, 12, 1, 1<<20, cfg)
	assert.Equal(t, 12, c.SGCnt)
	assert.True(t, c.Lin1)
	c = SelectBcast(12, 12, 1, 4<<20, cfg)
	assert.Equal(t, 8, c.SGCnt)
	assert.False(t, c.Lin1)

	// Largest single-node band routes the leaf stage through NUMA.
	c = SelectBcast(256, 256, 1, 32<<20, cfg)
	assert.True(t, c.UseNuma)
	assert.Equal(t, 8, c.SGCnt)
}

func TestSelectBcastMultiNode(t *testing.T) {
	cfg := topo.DefaultConfig()

	c := SelectBcast(64, 32, 2, 4096, cfg)
	assert.True(t, c.Use0)
	assert.True(t, c.UseShm)
	assert.True(t, c.Lin0 && c.Lin1 && c.Lin2)

	c = SelectBcast(64, 32, 2, 1<<20, cfg)
	assert.True(t, c.UseSocket)
	assert.False(t, c.UseNuma)
	c = SelectBcast(64, 32, 2, 8<<20, cfg)
	assert.True(t, c.UseSocket)
	assert.True(t, c.UseNuma)

	c = SelectBcast(128, 32, 4, 64, cfg)
	assert.True(t, c.UseSocket)
	assert.False(t, c.Lin2)
	c = SelectBcast(128, 32, 4, 1<<20, cfg)
	assert.True(t, c.UseSocket)
	assert.True(t, c.Lin2)

	c = SelectBcast(192, 32, 6, 2048, cfg)
	assert.True(t, c.UseShm)
	c = SelectBcast(192, 32, 6, 1<<19, cfg)
	assert.True(t, c.UseSocket)
	c = SelectBcast(192, 32, 6, 1<<20, cfg)
	assert.True(t, c.UseNuma)

	c = SelectBcast(256, 32, 8, 1<<20, cfg)
	assert.True(t, c.UseNuma)

	c = SelectBcast(320, 32, 10, 1024, cfg)
	assert.True(t, c.UseNuma)
	assert.False(t, c.Lin2)

	c = SelectBcast(384, 32, 12, 64, cfg)
	assert.True(t, c.UseNuma)
	assert.False(t, c.Lin1)
	c = SelectBcast(384, 32, 12, 4<<20, cfg)
	assert.True(t, c.UseSocket)
	assert.False(t, c.Lin0)
}

func TestSelectBcastOverrides(t *testing.T) {
	cfg := topo.DefaultConfig()
	cfg.ForceNuma = 1
	c := SelectBcast(12, 12, 1, 1<<20, cfg)
	assert.True(t, c.UseNuma)
	assert.Equal(t, 8, c.SGCnt)

	cfg = topo.DefaultConfig()
	cfg.ForceNuma = 0
	c = SelectBcast(256, 256, 1, 32<<20, cfg)
	assert.False(t, c.UseNuma)

	cfg = topo.DefaultConfig()
	cfg.ForceSocket = 1
	c = SelectBcast(12, 12, 1, 1024, cfg)
	assert.True(t, c.UseSocket)

	cfg = topo.DefaultConfig()
	cfg.DisableShmBcast = true
	c = SelectBcast(64, 32, 2, 4096, cfg)
	assert.False(t, c.UseShm)
}
