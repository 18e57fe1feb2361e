// Package autodiff adds reverse-mode automatic differentiation to any
// tensor.Backend through a decorator.
//
// AutodiffBackend forwards every operation to the wrapped backend and,
// while its tape is recording, appends a matching ops.Operation. Layers
// that need more than the Backend contract (ReLU, Softmax, BatchNorm,
// the loss) reach those methods by asserting small capability
// interfaces, which only AutodiffBackend satisfies.
//
//	backend := autodiff.New(cpu.New())
//	backend.Tape().StartRecording()
//	loss := backend.CategoricalCrossEntropy(probs, targets)
//	grads := backend.Tape().Backward(ones, backend)
package autodiff

import (
	"github.com/born-ml/mnistjob/internal/autodiff/ops"
	"github.com/born-ml/mnistjob/internal/tensor"
)

// AutodiffBackend wraps a Backend and records differentiable operations.
type AutodiffBackend[B tensor.Backend] struct {
	inner B
	tape  *GradientTape
}

// New wraps backend with a fresh, idle tape.
func New[B tensor.Backend](backend B) *AutodiffBackend[B] {
	return &AutodiffBackend[B]{inner: backend, tape: NewGradientTape()}
}

// Tape returns the gradient tape.
func (b *AutodiffBackend[B]) Tape() *GradientTape {
	return b.tape
}

// Inner returns the wrapped backend.
func (b *AutodiffBackend[B]) Inner() B {
	return b.inner
}

// Name returns "Autodiff(<inner>)".
func (b *AutodiffBackend[B]) Name() string {
	return "Autodiff(" + b.inner.Name() + ")"
}

// Device returns the wrapped backend's device.
func (b *AutodiffBackend[B]) Device() tensor.Device {
	return b.inner.Device()
}

// Add records element-wise addition.
func (b *AutodiffBackend[B]) Add(x, y *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.Add(x, y)
	b.tape.Record(ops.NewAddOp(x, y, out))
	return out
}

// Sub records element-wise subtraction.
func (b *AutodiffBackend[B]) Sub(x, y *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.Sub(x, y)
	b.tape.Record(ops.NewSubOp(x, y, out))
	return out
}

// Mul records element-wise multiplication.
func (b *AutodiffBackend[B]) Mul(x, y *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.Mul(x, y)
	b.tape.Record(ops.NewMulOp(x, y, out))
	return out
}

// Div records element-wise division.
func (b *AutodiffBackend[B]) Div(x, y *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.Div(x, y)
	b.tape.Record(ops.NewDivOp(x, y, out))
	return out
}

// MulScalar records scalar multiplication.
func (b *AutodiffBackend[B]) MulScalar(x *tensor.RawTensor, s float32) *tensor.RawTensor {
	out := b.inner.MulScalar(x, s)
	b.tape.Record(ops.NewMulScalarOp(x, out, s))
	return out
}

// MatMul records a matrix product.
func (b *AutodiffBackend[B]) MatMul(x, y *tensor.RawTensor) *tensor.RawTensor {
	out := b.inner.MatMul(x, y)
	b.tape.Record(ops.NewMatMulOp(x, y, out))
	return out
}

// Reshape records a reshape.
func (b *AutodiffBackend[B]) Reshape(x *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	out := b.inner.Reshape(x, shape)
	b.tape.Record(ops.NewReshapeOp(x, out))
	return out
}

// Transpose records a permutation.
func (b *AutodiffBackend[B]) Transpose(x *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	out := b.inner.Transpose(x, axes...)
	b.tape.Record(ops.NewTransposeOp(x, out, axes))
	return out
}

// SumDim records a reduction.
func (b *AutodiffBackend[B]) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	out := b.inner.SumDim(x, dim, keepDim)
	b.tape.Record(ops.NewSumDimOp(x, out, dim, keepDim))
	return out
}

// Conv2D records a convolution.
func (b *AutodiffBackend[B]) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	out := b.inner.Conv2D(input, kernel, stride, padding)
	b.tape.Record(ops.NewConv2DOp(input, kernel, out, stride, padding))
	return out
}

// Conv2DInputBackward forwards to the wrapped backend without recording.
func (b *AutodiffBackend[B]) Conv2DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	return b.inner.Conv2DInputBackward(input, kernel, grad, stride, padding)
}

// Conv2DKernelBackward forwards to the wrapped backend without recording.
func (b *AutodiffBackend[B]) Conv2DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	return b.inner.Conv2DKernelBackward(input, kernel, grad, stride, padding)
}

// MaxPool2D records max pooling. The window maxima are located only when
// recording, since inference never routes gradients.
func (b *AutodiffBackend[B]) MaxPool2D(input *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	out := b.inner.MaxPool2D(input, kernelSize, stride)
	if b.tape.IsRecording() {
		b.tape.Record(ops.NewMaxPool2DOp(input, out, kernelSize, stride))
	}
	return out
}

// MaxPool2DBackward forwards to the wrapped backend without recording.
func (b *AutodiffBackend[B]) MaxPool2DBackward(input, grad *tensor.RawTensor, maxIndices []int, kernelSize, stride int) *tensor.RawTensor {
	return b.inner.MaxPool2DBackward(input, grad, maxIndices, kernelSize, stride)
}

// ReLU records max(0, x).
func (b *AutodiffBackend[B]) ReLU(x *tensor.RawTensor) *tensor.RawTensor {
	out := ops.ReLU(x, b.Device())
	b.tape.Record(ops.NewReLUOp(x, out))
	return out
}

// Softmax records softmax over the last dimension.
func (b *AutodiffBackend[B]) Softmax(x *tensor.RawTensor) *tensor.RawTensor {
	out := ops.Softmax(x, b.Device())
	b.tape.Record(ops.NewSoftmaxOp(x, out))
	return out
}

// BatchNorm records per-channel normalization of x along axis using the
// supplied statistics. batchStats tells the backward pass whether mean and
// variance were computed from x itself.
func (b *AutodiffBackend[B]) BatchNorm(x, gamma, beta *tensor.RawTensor, axis int, mean, variance []float32, eps float32, batchStats bool) *tensor.RawTensor {
	out, xhat, invStd := ops.BatchNormForward(x, gamma, beta, axis, mean, variance, eps, b.Device())
	b.tape.Record(ops.NewBatchNormOp(x, gamma, beta, out, axis, xhat, invStd, batchStats))
	return out
}

// CategoricalCrossEntropy records the mean cross-entropy of softmax
// probabilities against one-hot targets. The result is a scalar.
func (b *AutodiffBackend[B]) CategoricalCrossEntropy(probs, targets *tensor.RawTensor) *tensor.RawTensor {
	out := ops.CategoricalCrossEntropy(probs, targets, b.Device())
	b.tape.Record(ops.NewCategoricalCrossEntropyOp(probs, targets, out))
	return out
}
