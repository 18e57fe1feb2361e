package cpu

import (
	"fmt"

	"github.com/born-ml/mnistjob/internal/tensor"
)

// Reshape returns a view with a new shape. The buffer is shared.
func (cpu *CPUBackend) Reshape(x *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	return x.View(shape)
}

// Transpose permutes dimensions. With no axes it reverses the last two.
func (cpu *CPUBackend) Transpose(x *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	requireFloat32("transpose", x)

	shape := x.Shape()
	rank := len(shape)
	if len(axes) == 0 {
		if rank < 2 {
			panic(fmt.Sprintf("transpose: need at least 2 dimensions, got %v", shape))
		}
		axes = make([]int, rank)
		for i := range axes {
			axes[i] = i
		}
		axes[rank-1], axes[rank-2] = axes[rank-2], axes[rank-1]
	}
	if len(axes) != rank {
		panic(fmt.Sprintf("transpose: %d axes for %dD tensor", len(axes), rank))
	}

	seen := make([]bool, rank)
	outShape := make(tensor.Shape, rank)
	for i, ax := range axes {
		if ax < 0 || ax >= rank || seen[ax] {
			panic(fmt.Sprintf("transpose: invalid permutation %v", axes))
		}
		seen[ax] = true
		outShape[i] = shape[ax]
	}

	out := cpu.alloc("transpose", outShape)
	src, dst := x.AsFloat32(), out.AsFloat32()

	inStrides := x.Strides()
	// srcStep[i] is how far the source offset moves per step of output dim i.
	srcStep := make([]int, rank)
	for i, ax := range axes {
		srcStep[i] = inStrides[ax]
	}

	idx := make([]int, rank)
	off := 0
	for i := range dst {
		dst[i] = src[off]
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			off += srcStep[d]
			if idx[d] < outShape[d] {
				break
			}
			off -= srcStep[d] * idx[d]
			idx[d] = 0
		}
	}
	return out
}

// SumDim sums along dim. With keepDim the reduced dimension stays as 1.
func (cpu *CPUBackend) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	requireFloat32("sum_dim", x)

	shape := x.Shape()
	if dim < 0 {
		dim += len(shape)
	}
	if dim < 0 || dim >= len(shape) {
		panic(fmt.Sprintf("sum_dim: dimension %d out of range for %v", dim, shape))
	}

	outer := shape[:dim].NumElements()
	size := shape[dim]
	inner := shape[dim+1:].NumElements()

	var outShape tensor.Shape
	for i, d := range shape {
		switch {
		case i != dim:
			outShape = append(outShape, d)
		case keepDim:
			outShape = append(outShape, 1)
		}
	}

	out := cpu.alloc("sum_dim", outShape)
	src, dst := x.AsFloat32(), out.AsFloat32()
	for o := 0; o < outer; o++ {
		for s := 0; s < size; s++ {
			base := (o*size + s) * inner
			row := dst[o*inner : (o+1)*inner]
			for i := range row {
				row[i] += src[base+i]
			}
		}
	}
	return out
}
