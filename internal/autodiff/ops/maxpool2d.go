package ops

import "github.com/born-ml/mnistjob/internal/tensor"

// MaxPool2DOp is NCHW max pooling. The winning input position of every
// window is captured at record time so the backward pass only routes.
type MaxPool2DOp struct {
	input, output      *tensor.RawTensor
	kernelSize, stride int
	maxIndices         []int
}

// NewMaxPool2DOp records a pooling step.
func NewMaxPool2DOp(input, output *tensor.RawTensor, kernelSize, stride int) *MaxPool2DOp {
	return &MaxPool2DOp{
		input:      input,
		output:     output,
		kernelSize: kernelSize,
		stride:     stride,
		maxIndices: computeMaxIndices(input, output, kernelSize, stride),
	}
}

// computeMaxIndices finds the flat input index of each window's maximum.
// Ties resolve to the first position in row-major window order.
func computeMaxIndices(input, output *tensor.RawTensor, kernelSize, stride int) []int {
	is, os := input.Shape(), output.Shape()
	planes, h, w := is[0]*is[1], is[2], is[3]
	hOut, wOut := os[2], os[3]

	src := input.AsFloat32()
	indices := make([]int, planes*hOut*wOut)
	for p := 0; p < planes; p++ {
		base := p * h * w
		for oh := 0; oh < hOut; oh++ {
			for ow := 0; ow < wOut; ow++ {
				best := base + oh*stride*w + ow*stride
				for i := 0; i < kernelSize; i++ {
					for j := 0; j < kernelSize; j++ {
						idx := base + (oh*stride+i)*w + ow*stride + j
						if src[idx] > src[best] {
							best = idx
						}
					}
				}
				indices[(p*hOut+oh)*wOut+ow] = best
			}
		}
	}
	return indices
}

// Inputs returns [input].
func (op *MaxPool2DOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the pooled tensor.
func (op *MaxPool2DOp) Output() *tensor.RawTensor { return op.output }

// Backward sends each output gradient to its window's maximum.
func (op *MaxPool2DOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		backend.MaxPool2DBackward(op.input, grad, op.maxIndices, op.kernelSize, op.stride),
	}
}
