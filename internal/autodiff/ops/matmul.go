package ops

import "github.com/born-ml/mnistjob/internal/tensor"

// MatMulOp is C = A @ B for 2-D operands.
//
//	∂L/∂A = ∂L/∂C @ Bᵀ
//	∂L/∂B = Aᵀ @ ∂L/∂C
type MatMulOp struct {
	a, b, output *tensor.RawTensor
}

// NewMatMulOp records a matrix product.
func NewMatMulOp(a, b, output *tensor.RawTensor) *MatMulOp {
	return &MatMulOp{a: a, b: b, output: output}
}

// Inputs returns [A, B].
func (op *MatMulOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.a, op.b} }

// Output returns C.
func (op *MatMulOp) Output() *tensor.RawTensor { return op.output }

// Backward computes both operand gradients.
func (op *MatMulOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		backend.MatMul(grad, backend.Transpose(op.b)),
		backend.MatMul(backend.Transpose(op.a), grad),
	}
}
