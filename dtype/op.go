package dtype

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// An Op is a binary reduction operator applied elementwise over typed
// buffers. Predefined operators carry native kernels; user operators
// supply an Apply function and declare whether they commute.
type Op struct {
	Name string

	// Commutative tells the engine whether operand order may be
	// rearranged. Non-commutative operators are confined to generic
	// algorithms that preserve rank order.
	Commutative bool

	kind opKind

	// Apply is set for user-defined operators: dst = src ⊕ dst.
	Apply func(src, dst []byte, count int, t Type)
}

type opKind int

const (
	opUser opKind = iota
	opSum
	opProd
	opMax
	opMin
)

var (
	Sum  = Op{Name: "sum", Commutative: true, kind: opSum}
	Prod = Op{Name: "prod", Commutative: true, kind: opProd}
	Max  = Op{Name: "max", Commutative: true, kind: opMax}
	Min  = Op{Name: "min", Commutative: true, kind: opMin}
)

// UserOp wraps an elementwise reduction function as an operator.
func UserOp(name string, commutative bool, apply func(src, dst []byte, count int, t Type)) Op {
	return Op{Name: name, Commutative: commutative, Apply: apply}
}

func (o Op) String() string { return o.Name }

// Reduce folds src into dst: dst[i] = src[i] ⊕ dst[i] for count elements.
// src is the left operand, which matters for non-commutative operators.
func Reduce(op Op, src, dst []byte, count int, t Type) error {
	if err := checkArgs(src, dst, count, t); err != nil {
		return err
	}
	if op.kind == opUser {
		if op.Apply == nil {
			return errors.Errorf("dtype: operator %q has no kernel", op.Name)
		}
		op.Apply(src, dst, count, t)
		return nil
	}
	applyNative(op.kind, src, dst, count, t)
	return nil
}

// Reduce3 is the three-operand form: dst[i] = a[i] ⊕ b[i]. It lets a
// reader combine a remote operand with a local one without first copying
// the local operand into the accumulator. dst may alias b.
func Reduce3(op Op, a, b, dst []byte, count int, t Type) error {
	if err := checkArgs(a, dst, count, t); err != nil {
		return err
	}
	if op.kind != opUser {
		if &b[0] != &dst[0] {
			copy(dst[:count*t.Size()], b)
		}
		applyNative(op.kind, a, dst, count, t)
		return nil
	}
	// User kernels only come in the two-operand form.
	if &b[0] != &dst[0] {
		copy(dst[:count*t.Size()], b)
	}
	return Reduce(op, a, dst, count, t)
}

func checkArgs(src, dst []byte, count int, t Type) error {
	n := count * t.Size()
	if t.Size() == 0 {
		return errors.Errorf("dtype: cannot reduce over non-predefined type %d", int(t))
	}
	if len(src) < n || len(dst) < n {
		return errors.Errorf("dtype: buffer too short for %d elements of %v", count, t)
	}
	return nil
}

func applyNative(k opKind, src, dst []byte, count int, t Type) {
	switch t {
	case Float64:
		applyTyped(k, view[float64](src, count), view[float64](dst, count))
	case Float32:
		applyTyped(k, view[float32](src, count), view[float32](dst, count))
	case Int64:
		applyTyped(k, view[int64](src, count), view[int64](dst, count))
	case Int32:
		applyTyped(k, view[int32](src, count), view[int32](dst, count))
	case Uint8:
		applyTyped(k, view[uint8](src, count), view[uint8](dst, count))
	case Float16:
		applyHalf(k, view[uint16](src, count), view[uint16](dst, count))
	}
}

// view reinterprets a byte buffer as a typed slice. Buffers handed to the
// engine originate from make or from mapped segments, both of which are
// suitably aligned for the element types above.
func view[T any](b []byte, count int) []T {
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), count)
}

type number interface {
	constraints.Integer | constraints.Float
}

func applyTyped[T number](k opKind, src, dst []T) {
	switch k {
	case opSum:
		for i, x := range src {
			dst[i] += x
		}
	case opProd:
		for i, x := range src {
			dst[i] *= x
		}
	case opMax:
		for i, x := range src {
			if x > dst[i] {
				dst[i] = x
			}
		}
	case opMin:
		for i, x := range src {
			if x < dst[i] {
				dst[i] = x
			}
		}
	}
}

// applyHalf routes float16 through float32 arithmetic, matching the usual
// promote-compute-demote treatment of half precision.
func applyHalf(k opKind, src, dst []uint16) {
	for i, x := range src {
		a := float16.Frombits(x).Float32()
		b := float16.Frombits(dst[i]).Float32()
		var r float32
		switch k {
		case opSum:
			r = a + b
		case opProd:
			r = a * b
		case opMax:
			r = b
			if a > b {
				r = a
			}
		case opMin:
			r = b
			if a < b {
				r = a
			}
		}
		dst[i] = float16.Fromfloat32(r).Bits()
	}
}
