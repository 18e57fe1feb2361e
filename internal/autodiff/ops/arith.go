package ops

import "github.com/born-ml/mnistjob/internal/tensor"

// AddOp is c = a + b with broadcasting.
type AddOp struct {
	a, b, output *tensor.RawTensor
}

// NewAddOp records an addition.
func NewAddOp(a, b, output *tensor.RawTensor) *AddOp {
	return &AddOp{a: a, b: b, output: output}
}

// Inputs returns [a, b].
func (op *AddOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.a, op.b} }

// Output returns c.
func (op *AddOp) Output() *tensor.RawTensor { return op.output }

// Backward passes the gradient through, reduced to each input's shape.
func (op *AddOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		reduceBroadcast(grad, op.a.Shape(), backend),
		reduceBroadcast(grad, op.b.Shape(), backend),
	}
}

// SubOp is c = a - b with broadcasting.
type SubOp struct {
	a, b, output *tensor.RawTensor
}

// NewSubOp records a subtraction.
func NewSubOp(a, b, output *tensor.RawTensor) *SubOp {
	return &SubOp{a: a, b: b, output: output}
}

// Inputs returns [a, b].
func (op *SubOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.a, op.b} }

// Output returns c.
func (op *SubOp) Output() *tensor.RawTensor { return op.output }

// Backward returns [grad, -grad], reduced to each input's shape.
func (op *SubOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		reduceBroadcast(grad, op.a.Shape(), backend),
		reduceBroadcast(backend.MulScalar(grad, -1), op.b.Shape(), backend),
	}
}

// MulOp is c = a * b element-wise with broadcasting.
type MulOp struct {
	a, b, output *tensor.RawTensor
}

// NewMulOp records a multiplication.
func NewMulOp(a, b, output *tensor.RawTensor) *MulOp {
	return &MulOp{a: a, b: b, output: output}
}

// Inputs returns [a, b].
func (op *MulOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.a, op.b} }

// Output returns c.
func (op *MulOp) Output() *tensor.RawTensor { return op.output }

// Backward returns [grad*b, grad*a].
func (op *MulOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		reduceBroadcast(backend.Mul(grad, op.b), op.a.Shape(), backend),
		reduceBroadcast(backend.Mul(grad, op.a), op.b.Shape(), backend),
	}
}

// DivOp is c = a / b element-wise with broadcasting.
type DivOp struct {
	a, b, output *tensor.RawTensor
}

// NewDivOp records a division.
func NewDivOp(a, b, output *tensor.RawTensor) *DivOp {
	return &DivOp{a: a, b: b, output: output}
}

// Inputs returns [a, b].
func (op *DivOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.a, op.b} }

// Output returns c.
func (op *DivOp) Output() *tensor.RawTensor { return op.output }

// Backward returns [grad/b, -grad*c/b].
func (op *DivOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	gradA := backend.Div(grad, op.b)
	gradB := backend.MulScalar(backend.Div(backend.Mul(grad, op.output), op.b), -1)
	return []*tensor.RawTensor{
		reduceBroadcast(gradA, op.a.Shape(), backend),
		reduceBroadcast(gradB, op.b.Shape(), backend),
	}
}

// MulScalarOp is y = x * s.
type MulScalarOp struct {
	x, output *tensor.RawTensor
	scalar    float32
}

// NewMulScalarOp records a scalar multiplication.
func NewMulScalarOp(x, output *tensor.RawTensor, scalar float32) *MulScalarOp {
	return &MulScalarOp{x: x, output: output, scalar: scalar}
}

// Inputs returns [x].
func (op *MulScalarOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.x} }

// Output returns y.
func (op *MulScalarOp) Output() *tensor.RawTensor { return op.output }

// Backward returns [grad*s].
func (op *MulScalarOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.MulScalar(grad, op.scalar)}
}
