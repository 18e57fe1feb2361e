package ops

import (
	"math"

	"github.com/born-ml/mnistjob/internal/tensor"
)

// ReLUOp is y = max(0, x).
type ReLUOp struct {
	input, output *tensor.RawTensor
}

// NewReLUOp records a ReLU.
func NewReLUOp(input, output *tensor.RawTensor) *ReLUOp {
	return &ReLUOp{input: input, output: output}
}

// Inputs returns [x].
func (op *ReLUOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns y.
func (op *ReLUOp) Output() *tensor.RawTensor { return op.output }

// Backward masks the gradient where x <= 0.
func (op *ReLUOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	out := tensor.MustRaw(op.input.Shape(), tensor.Float32, backend.Device())
	x, g, o := op.input.AsFloat32(), grad.AsFloat32(), out.AsFloat32()
	for i, v := range x {
		if v > 0 {
			o[i] = g[i]
		}
	}
	return []*tensor.RawTensor{out}
}

// ReLU computes max(0, x) into a new tensor.
func ReLU(x *tensor.RawTensor, device tensor.Device) *tensor.RawTensor {
	out := tensor.MustRaw(x.Shape(), tensor.Float32, device)
	o := out.AsFloat32()
	for i, v := range x.AsFloat32() {
		if v > 0 {
			o[i] = v
		}
	}
	return out
}

// SoftmaxOp is softmax over the last dimension.
//
//	∂L/∂x = y ⊙ (∂L/∂y − Σ_j ∂L/∂y_j · y_j)
type SoftmaxOp struct {
	input, output *tensor.RawTensor
}

// NewSoftmaxOp records a softmax.
func NewSoftmaxOp(input, output *tensor.RawTensor) *SoftmaxOp {
	return &SoftmaxOp{input: input, output: output}
}

// Inputs returns [x].
func (op *SoftmaxOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns y.
func (op *SoftmaxOp) Output() *tensor.RawTensor { return op.output }

// Backward applies the softmax Jacobian row by row.
func (op *SoftmaxOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	shape := op.output.Shape()
	classes := shape[len(shape)-1]
	rows := op.output.NumElements() / classes

	out := tensor.MustRaw(shape, tensor.Float32, backend.Device())
	y, g, o := op.output.AsFloat32(), grad.AsFloat32(), out.AsFloat32()
	for r := 0; r < rows; r++ {
		yr, gr, or := y[r*classes:(r+1)*classes], g[r*classes:(r+1)*classes], o[r*classes:(r+1)*classes]
		var dot float32
		for j := range yr {
			dot += yr[j] * gr[j]
		}
		for j := range yr {
			or[j] = yr[j] * (gr[j] - dot)
		}
	}
	return []*tensor.RawTensor{out}
}

// Softmax normalizes the last dimension with the max-shift trick.
func Softmax(x *tensor.RawTensor, device tensor.Device) *tensor.RawTensor {
	shape := x.Shape()
	classes := shape[len(shape)-1]
	rows := x.NumElements() / classes

	out := tensor.MustRaw(shape, tensor.Float32, device)
	in, o := x.AsFloat32(), out.AsFloat32()
	for r := 0; r < rows; r++ {
		xr, or := in[r*classes:(r+1)*classes], o[r*classes:(r+1)*classes]
		peak := xr[0]
		for _, v := range xr[1:] {
			peak = max(peak, v)
		}
		var sum float64
		for j, v := range xr {
			e := math.Exp(float64(v - peak))
			or[j] = float32(e)
			sum += e
		}
		for j := range or {
			or[j] = float32(float64(or[j]) / sum)
		}
	}
	return out
}
