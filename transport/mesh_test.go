package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaoxi-1213/mpi-ucx/comm"
)

func TestSendRecv(t *testing.T) {
	m := NewMesh(2)
	require.NoError(t, m.Port(0).Send(1, comm.TagBcast, []byte{1, 2, 3}))
	got, err := m.Port(1).Recv(0, comm.TagBcast)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestRecvMatchesSourceAndTag(t *testing.T) {
	m := NewMesh(3)
	require.NoError(t, m.Port(0).Send(2, comm.TagBarrier, []byte("barrier")))
	require.NoError(t, m.Port(1).Send(2, comm.TagBcast, []byte("bcast")))
	require.NoError(t, m.Port(0).Send(2, comm.TagBcast, []byte("first")))
	require.NoError(t, m.Port(0).Send(2, comm.TagBcast, []byte("second")))

	got, err := m.Port(2).Recv(0, comm.TagBcast)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	got, err = m.Port(2).Recv(1, comm.TagBcast)
	require.NoError(t, err)
	assert.Equal(t, "bcast", string(got))

	got, err = m.Port(2).Recv(0, comm.TagBcast)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	got, err = m.Port(2).Recv(0, comm.TagBarrier)
	require.NoError(t, err)
	assert.Equal(t, "barrier", string(got))
}

func TestRecvBlocksUntilArrival(t *testing.T) {
	m := NewMesh(2)
	var wg sync.WaitGroup
	wg.Add(1)
	var got []byte
	go func() {
		defer wg.Done()
		got, _ = m.Port(1).Recv(0, comm.TagAllreduce)
	}()
	require.NoError(t, m.Port(0).Send(1, comm.TagAllreduce, []byte{42}))
	wg.Wait()
	assert.Equal(t, []byte{42}, got)
}

func TestSendCopiesPayload(t *testing.T) {
	m := NewMesh(2)
	buf := []byte{1, 2, 3}
	require.NoError(t, m.Port(0).Send(1, comm.TagBcast, buf))
	buf[0] = 99
	got, err := m.Port(1).Recv(0, comm.TagBcast)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestBadRanks(t *testing.T) {
	m := NewMesh(1)
	assert.Error(t, m.Port(0).Send(5, comm.TagBcast, nil))
	_, err := m.Port(0).Recv(-1, comm.TagBcast)
	assert.Error(t, err)
}
