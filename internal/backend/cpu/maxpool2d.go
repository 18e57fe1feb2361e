package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/mnistjob/internal/parallel"
	"github.com/born-ml/mnistjob/internal/tensor"
)

// MaxPool2D takes the maximum of each kernelSize×kernelSize window of an
// NCHW batch. Windows that would run past the edge are dropped, matching
// "valid" pooling.
func (cpu *CPUBackend) MaxPool2D(input *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	requireFloat32("maxpool2d", input)
	n, c, h, w, hOut, wOut := poolGeom(input.Shape(), kernelSize, stride)

	out := cpu.alloc("maxpool2d", tensor.Shape{n, c, hOut, wOut})
	src, dst := input.AsFloat32(), out.AsFloat32()

	parallel.For(n*c, func(nc int) {
		plane := src[nc*h*w : (nc+1)*h*w]
		res := dst[nc*hOut*wOut : (nc+1)*hOut*wOut]
		for oh := 0; oh < hOut; oh++ {
			for ow := 0; ow < wOut; ow++ {
				best := float32(math.Inf(-1))
				for i := 0; i < kernelSize; i++ {
					row := plane[(oh*stride+i)*w:]
					for j := 0; j < kernelSize; j++ {
						if v := row[ow*stride+j]; v > best {
							best = v
						}
					}
				}
				res[oh*wOut+ow] = best
			}
		}
	}, cpu.kernels)

	return out
}

// MaxPool2DBackward routes each output gradient to the input position
// recorded in maxIndices.
func (cpu *CPUBackend) MaxPool2DBackward(input, grad *tensor.RawTensor, maxIndices []int, kernelSize, stride int) *tensor.RawTensor {
	requireFloat32("maxpool2d_backward", input, grad)
	if len(maxIndices) != grad.NumElements() {
		panic(fmt.Sprintf("maxpool2d_backward: %d indices for %d gradient elements", len(maxIndices), grad.NumElements()))
	}

	out := cpu.alloc("maxpool2d_backward", input.Shape())
	gd, o := grad.AsFloat32(), out.AsFloat32()
	for i, g := range gd {
		o[maxIndices[i]] += g
	}
	return out
}

func poolGeom(shape tensor.Shape, kernelSize, stride int) (n, c, h, w, hOut, wOut int) {
	if len(shape) != 4 {
		panic(fmt.Sprintf("maxpool2d: expected 4D input [N,C,H,W], got %v", shape))
	}
	if kernelSize <= 0 || stride <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid kernel size %d or stride %d", kernelSize, stride))
	}
	n, c, h, w = shape[0], shape[1], shape[2], shape[3]
	if kernelSize > h || kernelSize > w {
		panic(fmt.Sprintf("maxpool2d: kernel size %d too large for input %dx%d", kernelSize, h, w))
	}
	hOut = (h-kernelSize)/stride + 1
	wOut = (w-kernelSize)/stride + 1
	return n, c, h, w, hOut, wOut
}
