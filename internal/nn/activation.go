package nn

import (
	"github.com/born-ml/mnistjob/internal/tensor"
)

// ReLU applies max(0, x) element-wise.
type ReLU[B tensor.Backend] struct {
	name    string
	backend B
	ops     ReLUBackend
}

// NewReLU creates a ReLU activation layer.
func NewReLU[B tensor.Backend](name string, backend B) *ReLU[B] {
	if name == "" {
		name = "activation"
	}
	return &ReLU[B]{name: name, backend: backend, ops: capability[ReLUBackend](backend, "ReLU")}
}

// Name returns the layer name.
func (r *ReLU[B]) Name() string { return r.name }

// Forward applies the activation.
func (r *ReLU[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return tensor.New[float32](r.ops.ReLU(input.Raw()), r.backend)
}

// Parameters returns nil.
func (r *ReLU[B]) Parameters() []*Parameter[B] { return nil }

// Softmax normalizes the last dimension into probabilities.
type Softmax[B tensor.Backend] struct {
	name    string
	backend B
	ops     SoftmaxBackend
}

// NewSoftmax creates a softmax activation layer.
func NewSoftmax[B tensor.Backend](name string, backend B) *Softmax[B] {
	if name == "" {
		name = "activation"
	}
	return &Softmax[B]{name: name, backend: backend, ops: capability[SoftmaxBackend](backend, "Softmax")}
}

// Name returns the layer name.
func (s *Softmax[B]) Name() string { return s.name }

// Forward applies the activation.
func (s *Softmax[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return tensor.New[float32](s.ops.Softmax(input.Raw()), s.backend)
}

// Parameters returns nil.
func (s *Softmax[B]) Parameters() []*Parameter[B] { return nil }
