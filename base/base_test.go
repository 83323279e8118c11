package base

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaoxi-1213/mpi-ucx/comm"
	"github.com/zhaoxi-1213/mpi-ucx/dtype"
	"github.com/zhaoxi-1213/mpi-ucx/transport"
)

// spawn runs f once per rank, each on its own goroutine with its own
// Proc, and waits for all of them.
func spawn(size int, f func(p *comm.Proc, g *comm.Group)) {
	mesh := transport.NewMesh(size)
	g := comm.WorldGroup(size)
	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			f(&comm.Proc{Rank: r, Net: mesh.Port(r)}, g)
		}(r)
	}
	wg.Wait()
}

func f64Buf(vals []float64) []byte {
	b := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

func f64At(b []byte, i int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
}

type allreducer func(p *comm.Proc, g *comm.Group, send, recv []byte, count int, t dtype.Type, op dtype.Op) error

// runAllreducerTests is a battery applied to each allreduce algorithm:
// random inputs across awkward group sizes and counts, results checked
// against a locally computed sum on every rank.
func runAllreducerTests(t *testing.T, reduce allreducer) {
	for _, size := range []int{1, 2, 5, 7, 8, 15, 16, 17} {
		for _, count := range []int{1, 3, 64, 1337} {
			t.Run(fmt.Sprintf("Ranks=%d,Count=%d", size, count), func(t *testing.T) {
				rng := rand.New(rand.NewSource(int64(size*10007 + count)))
				inputs := make([][]float64, size)
				want := make([]float64, count)
				for r := range inputs {
					inputs[r] = make([]float64, count)
					for i := range inputs[r] {
						inputs[r][i] = rng.NormFloat64()
						want[i] += inputs[r][i]
					}
				}
				results := make([][]byte, size)
				errs := make([]error, size)
				spawn(size, func(p *comm.Proc, g *comm.Group) {
					recv := make([]byte, count*8)
					errs[p.Rank] = reduce(p, g, f64Buf(inputs[p.Rank]), recv, count, dtype.Float64, dtype.Sum)
					results[p.Rank] = recv
				})
				for r := 0; r < size; r++ {
					require.NoError(t, errs[r])
					for i := 0; i < count; i++ {
						assert.InDelta(t, want[i], f64At(results[r], i), 1e-6,
							"rank %d element %d", r, i)
					}
				}
			})
		}
	}
}

func TestAllreduceRecursiveDoubling(t *testing.T) {
	runAllreducerTests(t, AllreduceRecursiveDoubling)
}

func TestAllreduceRedScatAllgather(t *testing.T) {
	runAllreducerTests(t, AllreduceRedScatAllgather)
}

func TestAllreduceRing(t *testing.T) {
	runAllreducerTests(t, AllreduceRing)
}

// Non-commutative operators must come out identical to a serial
// left-to-right fold over rank order. The operator here composes affine
// maps x→m*x+c stored as (m, c) pairs: associative, not commutative.
func TestRecursiveDoublingNonCommutative(t *testing.T) {
	compose := dtype.UserOp("compose", false, func(src, dst []byte, count int, tp dtype.Type) {
		for i := 0; i < count; i += 2 {
			ms := math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
			cs := math.Float64frombits(binary.LittleEndian.Uint64(src[(i+1)*8:]))
			md := math.Float64frombits(binary.LittleEndian.Uint64(dst[i*8:]))
			cd := math.Float64frombits(binary.LittleEndian.Uint64(dst[(i+1)*8:]))
			binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(ms*md))
			binary.LittleEndian.PutUint64(dst[(i+1)*8:], math.Float64bits(ms*cd+cs))
		}
	})
	for _, size := range []int{2, 5, 8, 13} {
		inputs := make([][]float64, size)
		for r := range inputs {
			inputs[r] = []float64{1 + float64(r)/7, float64(10 * (r + 1)), 1 - float64(r)/9, float64(r)}
		}
		// Serial fold with lower ranks as left operands.
		want := append([]float64{}, inputs[size-1]...)
		for r := size - 2; r >= 0; r-- {
			for i := 0; i < 4; i += 2 {
				m, c := inputs[r][i], inputs[r][i+1]
				want[i], want[i+1] = m*want[i], m*want[i+1]+c
			}
		}
		results := make([][]byte, size)
		spawn(size, func(p *comm.Proc, g *comm.Group) {
			recv := make([]byte, 32)
			err := AllreduceRecursiveDoubling(p, g, f64Buf(inputs[p.Rank]), recv, 4, dtype.Float64, compose)
			require.NoError(t, err)
			results[p.Rank] = recv
		})
		for r := 0; r < size; r++ {
			for i := 0; i < 4; i++ {
				assert.InDelta(t, want[i], f64At(results[r], i), 1e-6,
					"size %d rank %d elem %d", size, r, i)
			}
		}
	}
}

func TestInPlaceAllreduce(t *testing.T) {
	size := 4
	results := make([][]byte, size)
	spawn(size, func(p *comm.Proc, g *comm.Group) {
		buf := f64Buf([]float64{float64(p.Rank)})
		require.NoError(t, AllreduceRecursiveDoubling(p, g, comm.InPlace, buf, 1, dtype.Float64, dtype.Sum))
		results[p.Rank] = buf
	})
	for r := 0; r < size; r++ {
		assert.Equal(t, 6.0, f64At(results[r], 0))
	}
}

func runBcastTests(t *testing.T, bcast func(p *comm.Proc, g *comm.Group, buf []byte, root int) error) {
	for _, size := range []int{1, 2, 5, 7, 8, 16, 17} {
		for _, root := range []int{0, size - 1, size / 2} {
			t.Run(fmt.Sprintf("Ranks=%d,Root=%d", size, root), func(t *testing.T) {
				payload := make([]byte, 96)
				rand.New(rand.NewSource(int64(size))).Read(payload)
				results := make([][]byte, size)
				spawn(size, func(p *comm.Proc, g *comm.Group) {
					buf := make([]byte, len(payload))
					if p.Rank == root {
						copy(buf, payload)
					}
					require.NoError(t, bcast(p, g, buf, root))
					results[p.Rank] = buf
				})
				for r := 0; r < size; r++ {
					assert.Equal(t, payload, results[r], "rank %d", r)
				}
			})
		}
	}
}

func TestBcastLinear(t *testing.T) { runBcastTests(t, BcastLinear) }

func TestBcastBinomial(t *testing.T) { runBcastTests(t, BcastBinomial) }

func TestBcastKnomial(t *testing.T) {
	runBcastTests(t, func(p *comm.Proc, g *comm.Group, buf []byte, root int) error {
		return BcastKnomial(p, g, buf, root, 4)
	})
}

func TestBarrier(t *testing.T) {
	for _, size := range []int{1, 2, 3, 8, 13} {
		var entered, exited sync.Map
		spawn(size, func(p *comm.Proc, g *comm.Group) {
			entered.Store(p.Rank, true)
			require.NoError(t, Barrier(p, g))
			// Every rank must have entered before any rank exits.
			for r := 0; r < size; r++ {
				_, ok := entered.Load(r)
				assert.True(t, ok, "rank %d exited before rank %d entered", p.Rank, r)
			}
			exited.Store(p.Rank, true)
		})
	}
}

func TestAllgather(t *testing.T) {
	for _, size := range []int{1, 2, 6, 9} {
		results := make([][][]byte, size)
		spawn(size, func(p *comm.Proc, g *comm.Group) {
			rec := []byte{byte(p.Rank), byte(p.Rank * 2)}
			out, err := Allgather(p, g, rec)
			require.NoError(t, err)
			results[p.Rank] = out
		})
		for r := 0; r < size; r++ {
			require.Len(t, results[r], size)
			for i := 0; i < size; i++ {
				assert.Equal(t, []byte{byte(i), byte(i * 2)}, results[r][i])
			}
		}
	}
}

func TestChunkRange(t *testing.T) {
	// Remainder goes to the last participant and sizes sum to count.
	for _, tc := range []struct{ count, parts int }{{10, 3}, {7, 7}, {5, 8}, {1 << 20, 7}} {
		total := 0
		for i := 0; i < tc.parts; i++ {
			off, n := ChunkRange(tc.count, tc.parts, i)
			assert.Equal(t, total, off)
			total += n
		}
		assert.Equal(t, tc.count, total)
		_, last := ChunkRange(tc.count, tc.parts, tc.parts-1)
		assert.Equal(t, tc.count-(tc.count/tc.parts)*(tc.parts-1), last)
	}
}
