package ops

import (
	"github.com/born-ml/mnistjob/internal/tensor"
)

// reduceBroadcast sums grad down to targetShape, undoing the stretching
// that broadcasting performed in the forward pass.
//
//	Forward:  a[3,1] + b[3,4] -> c[3,4]
//	Backward: grad_c[3,4] -> grad_a[3,1] (sum along dim 1)
func reduceBroadcast(grad *tensor.RawTensor, targetShape tensor.Shape, backend tensor.Backend) *tensor.RawTensor {
	if grad.Shape().Equal(targetShape) {
		return grad
	}

	result := grad
	for len(result.Shape()) > len(targetShape) {
		result = backend.SumDim(result, 0, false)
	}
	for i, d := range targetShape {
		if d == 1 && result.Shape()[i] != 1 {
			result = backend.SumDim(result, i, true)
		}
	}
	if !result.Shape().Equal(targetShape) {
		result = backend.Reshape(result, targetShape)
	}
	return result
}

// channelSplit factors a shape around axis into (outer, channels, inner)
// so that element (o, c, i) lives at (o*channels + c)*inner + i.
func channelSplit(shape tensor.Shape, axis int) (outer, channels, inner int) {
	return shape[:axis].NumElements(), shape[axis], shape[axis+1:].NumElements()
}
