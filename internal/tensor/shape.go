package tensor

import (
	"fmt"
	"slices"
)

// Shape holds the dimensions of a tensor in row-major order.
type Shape []int

// NumElements returns the product of all dimensions (1 for a scalar).
func (s Shape) NumElements() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate reports an error if any dimension is not positive.
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Equal reports whether both shapes have the same dimensions.
func (s Shape) Equal(other Shape) bool {
	return slices.Equal(s, other)
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	return slices.Clone(s)
}

// ComputeStrides returns row-major strides: stride[i] is the product of
// all dimensions after i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= s[i]
	}
	return strides
}

// BroadcastShapes applies NumPy broadcasting rules, comparing dimensions
// right to left. A dimension of 1 stretches to match the other side and
// missing leading dimensions count as 1.
//
//	(3, 1) + (3, 5) → (3, 5), true
//	(1, 5, 1) + (4) → (1, 5, 4), true
//	(3, 4) + (3, 5) → error
//
// The boolean reports whether any stretching is required.
func BroadcastShapes(a, b Shape) (Shape, bool, error) {
	rank := max(len(a), len(b))
	out := make(Shape, rank)
	stretched := len(a) != len(b)

	for i := 1; i <= rank; i++ {
		ad, bd := 1, 1
		if len(a)-i >= 0 {
			ad = a[len(a)-i]
		}
		if len(b)-i >= 0 {
			bd = b[len(b)-i]
		}

		switch {
		case ad == bd:
			out[rank-i] = ad
		case ad == 1:
			out[rank-i] = bd
			stretched = true
		case bd == 1:
			out[rank-i] = ad
			stretched = true
		default:
			return nil, false, fmt.Errorf("shapes not compatible for broadcasting: %v vs %v (dimension %d: %d vs %d)",
				a, b, rank-i, ad, bd)
		}
	}

	return out, stretched, nil
}
