package ops

import (
	"math"

	"github.com/born-ml/mnistjob/internal/tensor"
)

// ProbabilityEpsilon bounds probabilities to [ε, 1−ε] before taking logs.
const ProbabilityEpsilon = 1e-7

// CategoricalCrossEntropyOp is the batch mean of −Σ_c y_c · log(p_c)
// where p holds softmax probabilities and y one-hot targets, both [N, C].
//
//	∂L/∂p = −y / (N · p)
//
// Probabilities that were clipped get zero gradient.
type CategoricalCrossEntropyOp struct {
	probs, targets, output *tensor.RawTensor
}

// NewCategoricalCrossEntropyOp records the loss.
func NewCategoricalCrossEntropyOp(probs, targets, output *tensor.RawTensor) *CategoricalCrossEntropyOp {
	return &CategoricalCrossEntropyOp{probs: probs, targets: targets, output: output}
}

// Inputs returns [p]. Targets are constants.
func (op *CategoricalCrossEntropyOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.probs}
}

// Output returns the scalar loss.
func (op *CategoricalCrossEntropyOp) Output() *tensor.RawTensor { return op.output }

// Backward returns [∂L/∂p].
func (op *CategoricalCrossEntropyOp) Backward(grad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	n := float32(op.probs.Shape()[0])
	scale := grad.AsFloat32()[0] / n

	out := tensor.MustRaw(op.probs.Shape(), tensor.Float32, backend.Device())
	p, y, o := op.probs.AsFloat32(), op.targets.AsFloat32(), out.AsFloat32()
	for i, pv := range p {
		if y[i] == 0 || pv < ProbabilityEpsilon || pv > 1-ProbabilityEpsilon {
			continue
		}
		o[i] = -scale * y[i] / pv
	}
	return []*tensor.RawTensor{out}
}

// CategoricalCrossEntropy returns the scalar mean loss of probs against
// one-hot targets.
func CategoricalCrossEntropy(probs, targets *tensor.RawTensor, device tensor.Device) *tensor.RawTensor {
	n := probs.Shape()[0]
	p, y := probs.AsFloat32(), targets.AsFloat32()

	var total float64
	for i, yv := range y {
		if yv == 0 {
			continue
		}
		pv := min(max(float64(p[i]), ProbabilityEpsilon), 1-ProbabilityEpsilon)
		total -= float64(yv) * math.Log(pv)
	}

	out := tensor.MustRaw(tensor.Shape{}, tensor.Float32, device)
	out.AsFloat32()[0] = float32(total / float64(n))
	return out
}
