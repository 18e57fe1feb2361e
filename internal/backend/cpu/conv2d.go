package cpu

import (
	"fmt"

	"github.com/born-ml/mnistjob/internal/parallel"
	"github.com/born-ml/mnistjob/internal/tensor"
)

// convGeom holds the dimensions of one NCHW convolution.
type convGeom struct {
	n, cIn, h, w     int
	cOut, kh, kw     int
	hOut, wOut       int
	stride, padding  int
	colRows, colCols int // im2col matrix per sample: [hOut*wOut, cIn*kh*kw]
}

func newConvGeom(op string, input, kernel *tensor.RawTensor, stride, padding int) convGeom {
	is, ks := input.Shape(), kernel.Shape()
	if len(is) != 4 {
		panic(fmt.Sprintf("%s: input must be 4D [N,C,H,W], got %v", op, is))
	}
	if len(ks) != 4 {
		panic(fmt.Sprintf("%s: kernel must be 4D [C_out,C_in,K_h,K_w], got %v", op, ks))
	}
	if is[1] != ks[1] {
		panic(fmt.Sprintf("%s: input channels %d != kernel channels %d", op, is[1], ks[1]))
	}
	if stride <= 0 || padding < 0 {
		panic(fmt.Sprintf("%s: invalid stride %d or padding %d", op, stride, padding))
	}

	g := convGeom{
		n: is[0], cIn: is[1], h: is[2], w: is[3],
		cOut: ks[0], kh: ks[2], kw: ks[3],
		stride: stride, padding: padding,
	}
	g.hOut = (g.h+2*padding-g.kh)/stride + 1
	g.wOut = (g.w+2*padding-g.kw)/stride + 1
	if g.hOut <= 0 || g.wOut <= 0 {
		panic(fmt.Sprintf("%s: invalid output dimensions %dx%d (input %dx%d, kernel %dx%d, padding %d)",
			op, g.hOut, g.wOut, g.h, g.w, g.kh, g.kw, padding))
	}
	g.colRows = g.hOut * g.wOut
	g.colCols = g.cIn * g.kh * g.kw
	return g
}

// im2col unrolls one sample's receptive fields into rows of col.
func (g convGeom) im2col(col, sample []float32) {
	idx := 0
	for oh := 0; oh < g.hOut; oh++ {
		for ow := 0; ow < g.wOut; ow++ {
			h0 := oh*g.stride - g.padding
			w0 := ow*g.stride - g.padding
			for c := 0; c < g.cIn; c++ {
				plane := sample[c*g.h*g.w : (c+1)*g.h*g.w]
				for i := 0; i < g.kh; i++ {
					y := h0 + i
					for j := 0; j < g.kw; j++ {
						x := w0 + j
						if y >= 0 && y < g.h && x >= 0 && x < g.w {
							col[idx] = plane[y*g.w+x]
						} else {
							col[idx] = 0
						}
						idx++
					}
				}
			}
		}
	}
}

// col2im scatter-adds rows of col back into one sample's gradient.
func (g convGeom) col2im(sample, col []float32) {
	idx := 0
	for oh := 0; oh < g.hOut; oh++ {
		for ow := 0; ow < g.wOut; ow++ {
			h0 := oh*g.stride - g.padding
			w0 := ow*g.stride - g.padding
			for c := 0; c < g.cIn; c++ {
				plane := sample[c*g.h*g.w : (c+1)*g.h*g.w]
				for i := 0; i < g.kh; i++ {
					y := h0 + i
					for j := 0; j < g.kw; j++ {
						x := w0 + j
						if y >= 0 && y < g.h && x >= 0 && x < g.w {
							plane[y*g.w+x] += col[idx]
						}
						idx++
					}
				}
			}
		}
	}
}

// Conv2D computes a 2D convolution over an NCHW batch.
//
// Output height is (H + 2*padding - K_h)/stride + 1, and likewise for width.
func (cpu *CPUBackend) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	requireFloat32("conv2d", input, kernel)
	g := newConvGeom("conv2d", input, kernel, stride, padding)

	out := cpu.alloc("conv2d", tensor.Shape{g.n, g.cOut, g.hOut, g.wOut})
	in, k, o := input.AsFloat32(), kernel.AsFloat32(), out.AsFloat32()
	sampleIn := g.cIn * g.h * g.w
	sampleOut := g.cOut * g.colRows

	parallel.For(g.n, func(n int) {
		col := make([]float32, g.colRows*g.colCols)
		g.im2col(col, in[n*sampleIn:(n+1)*sampleIn])

		dst := o[n*sampleOut : (n+1)*sampleOut]
		for co := 0; co < g.cOut; co++ {
			w := k[co*g.colCols : (co+1)*g.colCols]
			plane := dst[co*g.colRows : (co+1)*g.colRows]
			for p := range plane {
				row := col[p*g.colCols : (p+1)*g.colCols]
				var sum float32
				for q, v := range row {
					sum += v * w[q]
				}
				plane[p] = sum
			}
		}
	}, cpu.kernels)

	return out
}

// Conv2DInputBackward computes ∂L/∂input for Conv2D.
func (cpu *CPUBackend) Conv2DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	requireFloat32("conv2d_input_backward", input, kernel, grad)
	g := newConvGeom("conv2d_input_backward", input, kernel, stride, padding)

	out := cpu.alloc("conv2d_input_backward", input.Shape())
	k, gd, o := kernel.AsFloat32(), grad.AsFloat32(), out.AsFloat32()
	sampleIn := g.cIn * g.h * g.w
	sampleOut := g.cOut * g.colRows

	parallel.For(g.n, func(n int) {
		// dcol[p, q] = Σ_co grad[n, co, p] · kernel[co, q]
		dcol := make([]float32, g.colRows*g.colCols)
		gs := gd[n*sampleOut : (n+1)*sampleOut]
		for co := 0; co < g.cOut; co++ {
			w := k[co*g.colCols : (co+1)*g.colCols]
			plane := gs[co*g.colRows : (co+1)*g.colRows]
			for p, gv := range plane {
				if gv == 0 {
					continue
				}
				row := dcol[p*g.colCols : (p+1)*g.colCols]
				for q, wv := range w {
					row[q] += gv * wv
				}
			}
		}
		g.col2im(o[n*sampleIn:(n+1)*sampleIn], dcol)
	}, cpu.kernels)

	return out
}

// Conv2DKernelBackward computes ∂L/∂kernel for Conv2D.
func (cpu *CPUBackend) Conv2DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	requireFloat32("conv2d_kernel_backward", input, kernel, grad)
	g := newConvGeom("conv2d_kernel_backward", input, kernel, stride, padding)

	out := cpu.alloc("conv2d_kernel_backward", kernel.Shape())
	in, gd, o := input.AsFloat32(), grad.AsFloat32(), out.AsFloat32()
	sampleIn := g.cIn * g.h * g.w
	sampleOut := g.cOut * g.colRows
	colSize := g.colRows * g.colCols

	cols := make([]float32, g.n*colSize)
	parallel.For(g.n, func(n int) {
		g.im2col(cols[n*colSize:(n+1)*colSize], in[n*sampleIn:(n+1)*sampleIn])
	}, cpu.kernels)

	// dK[co, q] = Σ_n Σ_p grad[n, co, p] · col_n[p, q]
	parallel.For(g.cOut, func(co int) {
		dst := o[co*g.colCols : (co+1)*g.colCols]
		for n := 0; n < g.n; n++ {
			plane := gd[n*sampleOut+co*g.colRows : n*sampleOut+(co+1)*g.colRows]
			col := cols[n*colSize : (n+1)*colSize]
			for p, gv := range plane {
				if gv == 0 {
					continue
				}
				row := col[p*g.colCols : (p+1)*g.colCols]
				for q, v := range row {
					dst[q] += gv * v
				}
			}
		}
	}, cpu.kernels)

	return out
}
