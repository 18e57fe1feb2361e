package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/mnistjob/internal/tensor"
)

// Linear is a fully connected layer: y = x @ W.T + b.
//
// The weight is stored as [out_features, in_features].
type Linear[B tensor.Backend] struct {
	name        string
	inFeatures  int
	outFeatures int
	weight      *Parameter[B]
	bias        *Parameter[B]
}

// NewLinear creates a dense layer with Glorot-uniform weight and zero bias.
func NewLinear[B tensor.Backend](name string, inFeatures, outFeatures int, rng *rand.Rand, backend B) *Linear[B] {
	if name == "" {
		name = "dense"
	}
	w := GlorotUniform(rng, inFeatures, outFeatures, tensor.Shape{outFeatures, inFeatures}, backend)
	b := Zeros(tensor.Shape{outFeatures}, backend)
	return &Linear[B]{
		name:        name,
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      NewParameter("weight", w),
		bias:        NewParameter("bias", b),
	}
}

// Name returns the layer name.
func (l *Linear[B]) Name() string { return l.name }

// InFeatures returns the input width.
func (l *Linear[B]) InFeatures() int { return l.inFeatures }

// OutFeatures returns the output width.
func (l *Linear[B]) OutFeatures() int { return l.outFeatures }

// Weight returns the weight parameter.
func (l *Linear[B]) Weight() *Parameter[B] { return l.weight }

// Bias returns the bias parameter.
func (l *Linear[B]) Bias() *Parameter[B] { return l.bias }

// Forward computes x @ W.T + b for x of shape [batch, in_features].
func (l *Linear[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) != 2 || shape[1] != l.inFeatures {
		panic(fmt.Sprintf("%s: expected [batch, %d], got %v", l.name, l.inFeatures, shape))
	}
	out := input.MatMul(l.weight.Tensor().T())
	return out.Add(l.bias.Tensor())
}

// Parameters returns [weight, bias].
func (l *Linear[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{l.weight, l.bias}
}
