package ops

import "github.com/born-ml/mnistjob/internal/tensor"

// ReshapeOp changes the shape without moving data.
type ReshapeOp struct {
	input, output *tensor.RawTensor
}

// NewReshapeOp records a reshape.
func NewReshapeOp(input, output *tensor.RawTensor) *ReshapeOp {
	return &ReshapeOp{input: input, output: output}
}

// Inputs returns [input].
func (op *ReshapeOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the reshaped tensor.
func (op *ReshapeOp) Output() *tensor.RawTensor { return op.output }

// Backward reshapes the gradient back to the input shape.
func (op *ReshapeOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Reshape(grad, op.input.Shape())}
}

// TransposeOp permutes dimensions.
type TransposeOp struct {
	input, output *tensor.RawTensor
	axes          []int
}

// NewTransposeOp records a permutation. Empty axes means the forward pass
// swapped the last two dimensions.
func NewTransposeOp(input, output *tensor.RawTensor, axes []int) *TransposeOp {
	if len(axes) == 0 {
		rank := len(input.Shape())
		axes = make([]int, rank)
		for i := range axes {
			axes[i] = i
		}
		axes[rank-1], axes[rank-2] = axes[rank-2], axes[rank-1]
	}
	return &TransposeOp{input: input, output: output, axes: append([]int(nil), axes...)}
}

// Inputs returns [input].
func (op *TransposeOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the permuted tensor.
func (op *TransposeOp) Output() *tensor.RawTensor { return op.output }

// Backward applies the inverse permutation.
func (op *TransposeOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inverse := make([]int, len(op.axes))
	for i, ax := range op.axes {
		inverse[ax] = i
	}
	return []*tensor.RawTensor{backend.Transpose(grad, inverse...)}
}

// SumDimOp reduces along one dimension.
type SumDimOp struct {
	input, output *tensor.RawTensor
	dim           int
	keepDim       bool
}

// NewSumDimOp records a reduction.
func NewSumDimOp(input, output *tensor.RawTensor, dim int, keepDim bool) *SumDimOp {
	if dim < 0 {
		dim += len(input.Shape())
	}
	return &SumDimOp{input: input, output: output, dim: dim, keepDim: keepDim}
}

// Inputs returns [input].
func (op *SumDimOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the reduced tensor.
func (op *SumDimOp) Output() *tensor.RawTensor { return op.output }

// Backward broadcasts the gradient back over the reduced dimension.
func (op *SumDimOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	kept := op.input.Shape().Clone()
	kept[op.dim] = 1
	g := backend.Reshape(grad, kept)

	ones := tensor.MustRaw(op.input.Shape(), tensor.Float32, backend.Device())
	for i := range ones.AsFloat32() {
		ones.AsFloat32()[i] = 1
	}
	return []*tensor.RawTensor{backend.Mul(ones, g)}
}
