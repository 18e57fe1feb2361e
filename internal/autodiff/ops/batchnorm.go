package ops

import (
	"math"

	"github.com/born-ml/mnistjob/internal/tensor"
)

// BatchNormOp normalizes each channel of x along axis:
//
//	y = γ · (x − μ) / √(σ² + ε) + β
//
// When the statistics came from the batch itself (training) the backward
// pass differentiates through μ and σ²:
//
//	∂L/∂x = γ/(M·√(σ²+ε)) · (M·∂L/∂y − Σ∂L/∂y − x̂ · Σ(∂L/∂y · x̂))
//
// With fixed running statistics (inference) μ and σ² are constants.
type BatchNormOp struct {
	input, gamma, beta, output *tensor.RawTensor
	axis                       int
	xhat                       []float32
	invStd                     []float32
	batchStats                 bool
}

// NewBatchNormOp records a normalization. xhat and invStd come from
// BatchNormForward.
func NewBatchNormOp(input, gamma, beta, output *tensor.RawTensor, axis int, xhat, invStd []float32, batchStats bool) *BatchNormOp {
	return &BatchNormOp{
		input: input, gamma: gamma, beta: beta, output: output,
		axis: axis, xhat: xhat, invStd: invStd, batchStats: batchStats,
	}
}

// Inputs returns [x, γ, β].
func (op *BatchNormOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input, op.gamma, op.beta}
}

// Output returns y.
func (op *BatchNormOp) Output() *tensor.RawTensor { return op.output }

// Backward returns [∂L/∂x, ∂L/∂γ, ∂L/∂β].
func (op *BatchNormOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	outer, channels, inner := channelSplit(op.input.Shape(), op.axis)
	m := float32(outer * inner)

	dx := tensor.MustRaw(op.input.Shape(), tensor.Float32, backend.Device())
	dGamma := tensor.MustRaw(op.gamma.Shape(), tensor.Float32, backend.Device())
	dBeta := tensor.MustRaw(op.beta.Shape(), tensor.Float32, backend.Device())

	g, gamma := grad.AsFloat32(), op.gamma.AsFloat32()
	dxd, dg, db := dx.AsFloat32(), dGamma.AsFloat32(), dBeta.AsFloat32()

	for o := 0; o < outer; o++ {
		for c := 0; c < channels; c++ {
			base := (o*channels + c) * inner
			for i := 0; i < inner; i++ {
				db[c] += g[base+i]
				dg[c] += g[base+i] * op.xhat[base+i]
			}
		}
	}

	for o := 0; o < outer; o++ {
		for c := 0; c < channels; c++ {
			base := (o*channels + c) * inner
			scale := gamma[c] * op.invStd[c]
			for i := 0; i < inner; i++ {
				if op.batchStats {
					dxd[base+i] = scale / m * (m*g[base+i] - db[c] - op.xhat[base+i]*dg[c])
				} else {
					dxd[base+i] = scale * g[base+i]
				}
			}
		}
	}

	return []*tensor.RawTensor{dx, dGamma, dBeta}
}

// ChannelMoments returns the per-channel mean and biased variance of x
// along axis.
func ChannelMoments(x *tensor.RawTensor, axis int) (mean, variance []float32) {
	outer, channels, inner := channelSplit(x.Shape(), axis)
	data := x.AsFloat32()
	n := float64(outer * inner)

	sum := make([]float64, channels)
	sq := make([]float64, channels)
	for o := 0; o < outer; o++ {
		for c := 0; c < channels; c++ {
			base := (o*channels + c) * inner
			for i := 0; i < inner; i++ {
				v := float64(data[base+i])
				sum[c] += v
				sq[c] += v * v
			}
		}
	}

	mean = make([]float32, channels)
	variance = make([]float32, channels)
	for c := range sum {
		mu := sum[c] / n
		mean[c] = float32(mu)
		variance[c] = float32(max(sq[c]/n-mu*mu, 0))
	}
	return mean, variance
}

// BatchNormForward normalizes x with the given statistics and returns the
// output together with x̂ and 1/√(σ²+ε) for the backward pass.
func BatchNormForward(x, gamma, beta *tensor.RawTensor, axis int, mean, variance []float32, eps float32, device tensor.Device) (out *tensor.RawTensor, xhat, invStd []float32) {
	outer, channels, inner := channelSplit(x.Shape(), axis)

	invStd = make([]float32, channels)
	for c := range invStd {
		invStd[c] = float32(1 / math.Sqrt(float64(variance[c]+eps)))
	}

	out = tensor.MustRaw(x.Shape(), tensor.Float32, device)
	xhat = make([]float32, x.NumElements())
	in, o := x.AsFloat32(), out.AsFloat32()
	g, b := gamma.AsFloat32(), beta.AsFloat32()

	for oi := 0; oi < outer; oi++ {
		for c := 0; c < channels; c++ {
			base := (oi*channels + c) * inner
			for i := 0; i < inner; i++ {
				h := (in[base+i] - mean[c]) * invStd[c]
				xhat[base+i] = h
				o[base+i] = g[c]*h + b[c]
			}
		}
	}
	return out, xhat, invStd
}
