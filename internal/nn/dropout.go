package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/mnistjob/internal/tensor"
)

// Dropout zeroes activations with probability rate during training and
// scales the survivors by 1/(1-rate). It is the identity in inference.
type Dropout[B tensor.Backend] struct {
	name     string
	rate     float64
	rng      *rand.Rand
	training bool
	backend  B
}

// NewDropout creates a dropout layer drawing masks from rng.
func NewDropout[B tensor.Backend](name string, rate float64, rng *rand.Rand, backend B) *Dropout[B] {
	if rate < 0 || rate >= 1 {
		panic(fmt.Sprintf("nn: dropout rate must be in [0, 1), got %v", rate))
	}
	if name == "" {
		name = "dropout"
	}
	return &Dropout[B]{name: name, rate: rate, rng: rng, training: true, backend: backend}
}

// Name returns the layer name.
func (d *Dropout[B]) Name() string { return d.name }

// Rate returns the drop probability.
func (d *Dropout[B]) Rate() float64 { return d.rate }

// SetTraining enables or disables masking.
func (d *Dropout[B]) SetTraining(training bool) { d.training = training }

// Forward applies a fresh mask in training mode.
func (d *Dropout[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if !d.training || d.rate == 0 {
		return input
	}
	keep := float32(1 / (1 - d.rate))
	mask := tensor.Zeros[float32](input.Shape(), d.backend)
	m := mask.Data()
	for i := range m {
		if d.rng.Float64() >= d.rate {
			m[i] = keep
		}
	}
	return input.Mul(mask)
}

// Parameters returns nil.
func (d *Dropout[B]) Parameters() []*Parameter[B] { return nil }
