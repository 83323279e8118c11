package topo

// Locality places one rank on the machine: which physical node it runs
// on, which socket within that node, and which NUMA domain within the
// socket.
type Locality struct {
	Node   int
	Socket int
	NUMA   int
}

// A LocalityMap reports rank placement. Returning ok=false for any
// member of a group makes the topology unavailable for that group, and
// callers fall back to generic algorithms.
type LocalityMap interface {
	Locality(worldRank int) (Locality, bool)
}

// Table is a LocalityMap backed by a map, used by tests and by hosts
// that discover placement up front.
type Table map[int]Locality

func (t Table) Locality(worldRank int) (Locality, bool) {
	l, ok := t[worldRank]
	return l, ok
}

// Blocked lays out n ranks in contiguous blocks: perNode ranks per node,
// perSocket per socket, perNuma per NUMA domain.
func Blocked(n, perNode, perSocket, perNuma int) Table {
	t := make(Table, n)
	for r := 0; r < n; r++ {
		t[r] = Locality{
			Node:   r / perNode,
			Socket: (r % perNode) / perSocket,
			NUMA:   (r % perSocket) / perNuma,
		}
	}
	return t
}

// SingleNode places all n ranks on one node, one socket, one NUMA
// domain.
func SingleNode(n int) Table {
	return Blocked(n, n, n, n)
}
