package cpu

import (
	"fmt"

	"github.com/born-ml/mnistjob/internal/tensor"
)

// Add performs element-wise addition with broadcasting.
func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("add", a, b, func(x, y float32) float32 { return x + y })
}

// Sub performs element-wise subtraction with broadcasting.
func (cpu *CPUBackend) Sub(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("sub", a, b, func(x, y float32) float32 { return x - y })
}

// Mul performs element-wise multiplication with broadcasting.
func (cpu *CPUBackend) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("mul", a, b, func(x, y float32) float32 { return x * y })
}

// Div performs element-wise division with broadcasting.
func (cpu *CPUBackend) Div(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("div", a, b, func(x, y float32) float32 { return x / y })
}

// MulScalar multiplies every element by s.
func (cpu *CPUBackend) MulScalar(x *tensor.RawTensor, s float32) *tensor.RawTensor {
	requireFloat32("mul_scalar", x)
	out := cpu.alloc("mul_scalar", x.Shape())
	src, dst := x.AsFloat32(), out.AsFloat32()
	for i, v := range src {
		dst[i] = v * s
	}
	return out
}

func (cpu *CPUBackend) binary(op string, a, b *tensor.RawTensor, f func(x, y float32) float32) *tensor.RawTensor {
	requireFloat32(op, a, b)

	outShape, stretched, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		panic(fmt.Sprintf("%s: %v", op, err))
	}
	out := cpu.alloc(op, outShape)
	ad, bd, od := a.AsFloat32(), b.AsFloat32(), out.AsFloat32()

	if !stretched {
		for i := range od {
			od[i] = f(ad[i], bd[i])
		}
		return out
	}

	aStrides := broadcastStrides(a.Shape(), outShape)
	bStrides := broadcastStrides(b.Shape(), outShape)
	rank := len(outShape)
	idx := make([]int, rank)
	ai, bi := 0, 0

	for i := range od {
		od[i] = f(ad[ai], bd[bi])

		// Advance the multi-index odometer and the two input offsets.
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			ai += aStrides[d]
			bi += bStrides[d]
			if idx[d] < outShape[d] {
				break
			}
			ai -= aStrides[d] * idx[d]
			bi -= bStrides[d] * idx[d]
			idx[d] = 0
		}
	}
	return out
}

// broadcastStrides returns strides of in expressed over outShape, with a
// zero stride on every dimension that in broadcasts along.
func broadcastStrides(in, outShape tensor.Shape) []int {
	strides := make([]int, len(outShape))
	inStrides := in.ComputeStrides()
	offset := len(outShape) - len(in)

	for i := range outShape {
		j := i - offset
		if j < 0 || in[j] == 1 {
			continue
		}
		strides[i] = inStrides[j]
	}
	return strides
}
