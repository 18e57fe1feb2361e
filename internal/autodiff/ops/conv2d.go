package ops

import "github.com/born-ml/mnistjob/internal/tensor"

// Conv2DOp is an NCHW convolution. Both gradients come from the backend's
// dedicated backward kernels.
type Conv2DOp struct {
	input, kernel, output *tensor.RawTensor
	stride, padding       int
}

// NewConv2DOp records a convolution.
func NewConv2DOp(input, kernel, output *tensor.RawTensor, stride, padding int) *Conv2DOp {
	return &Conv2DOp{input: input, kernel: kernel, output: output, stride: stride, padding: padding}
}

// Inputs returns [input, kernel].
func (op *Conv2DOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input, op.kernel} }

// Output returns the feature map.
func (op *Conv2DOp) Output() *tensor.RawTensor { return op.output }

// Backward returns [∂L/∂input, ∂L/∂kernel].
func (op *Conv2DOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		backend.Conv2DInputBackward(op.input, op.kernel, grad, op.stride, op.padding),
		backend.Conv2DKernelBackward(op.input, op.kernel, grad, op.stride, op.padding),
	}
}
