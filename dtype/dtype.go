// Package dtype defines the element types and reduction operators that
// collective operations work over, along with typed reduction primitives
// for raw byte buffers.
package dtype

// A Type identifies the element type of a collective buffer.
//
// Only the predefined types below are eligible for the optimized
// shared-memory and direct-mapped paths; anything else is treated as
// opaque and routed through generic algorithms.
type Type int

const (
	Float64 Type = iota
	Float32
	Float16
	Int64
	Int32
	Uint8

	numPredefined
)

// Size returns the number of bytes one element occupies.
func (t Type) Size() int {
	switch t {
	case Float64, Int64:
		return 8
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Uint8:
		return 1
	}
	return 0
}

// Predefined reports whether t is one of the built-in element types.
func (t Type) Predefined() bool {
	return t >= 0 && t < numPredefined
}

func (t Type) String() string {
	switch t {
	case Float64:
		return "float64"
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int64:
		return "int64"
	case Int32:
		return "int32"
	case Uint8:
		return "uint8"
	}
	return "unknown"
}
