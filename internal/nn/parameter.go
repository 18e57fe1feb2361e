package nn

import (
	"github.com/born-ml/mnistjob/internal/tensor"
)

// Parameter is a named trainable tensor.
type Parameter[B tensor.Backend] struct {
	name   string
	tensor *tensor.Tensor[float32, B]
}

// NewParameter wraps t as a parameter.
func NewParameter[B tensor.Backend](name string, t *tensor.Tensor[float32, B]) *Parameter[B] {
	return &Parameter[B]{name: name, tensor: t}
}

// Name returns the parameter's name within its layer, e.g. "weight".
func (p *Parameter[B]) Name() string {
	return p.name
}

// Tensor returns the parameter value. Optimizers update it in place, so
// the returned tensor's Raw() is a stable gradient key.
func (p *Parameter[B]) Tensor() *tensor.Tensor[float32, B] {
	return p.tensor
}

// NumElements returns the number of scalars in the parameter.
func (p *Parameter[B]) NumElements() int {
	return p.tensor.NumElements()
}
