package nn

import (
	"github.com/born-ml/mnistjob/internal/tensor"
)

// Flatten collapses every dimension after the batch into one.
type Flatten[B tensor.Backend] struct {
	name string
}

// NewFlatten creates a flatten layer.
func NewFlatten[B tensor.Backend](name string) *Flatten[B] {
	if name == "" {
		name = "flatten"
	}
	return &Flatten[B]{name: name}
}

// Name returns the layer name.
func (f *Flatten[B]) Name() string { return f.name }

// Forward reshapes [N, ...] to [N, prod(...)].
func (f *Flatten[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return input.Reshape(input.Shape()[0], -1)
}

// Parameters returns nil.
func (f *Flatten[B]) Parameters() []*Parameter[B] { return nil }
