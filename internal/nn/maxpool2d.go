package nn

import (
	"fmt"

	"github.com/born-ml/mnistjob/internal/tensor"
)

// MaxPool2D takes the maximum over square windows.
type MaxPool2D[B tensor.Backend] struct {
	name       string
	kernelSize int
	stride     int
	layout     tensor.Layout
	backend    B
}

// NewMaxPool2D creates a pooling layer. A zero stride defaults to the
// kernel size, as in Keras.
func NewMaxPool2D[B tensor.Backend](name string, kernelSize, stride int, layout tensor.Layout, backend B) *MaxPool2D[B] {
	if name == "" {
		name = "max_pooling2d"
	}
	if stride == 0 {
		stride = kernelSize
	}
	return &MaxPool2D[B]{name: name, kernelSize: kernelSize, stride: stride, layout: layout, backend: backend}
}

// Name returns the layer name.
func (m *MaxPool2D[B]) Name() string { return m.name }

// KernelSize returns the window size.
func (m *MaxPool2D[B]) KernelSize() int { return m.kernelSize }

// Stride returns the step between windows.
func (m *MaxPool2D[B]) Stride() int { return m.stride }

// Forward pools a batch in the configured layout.
func (m *MaxPool2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if len(input.Shape()) != 4 {
		panic(fmt.Sprintf("%s: expected 4D input, got %v", m.name, input.Shape()))
	}
	x := input
	if m.layout == tensor.ChannelsLast {
		x = x.Transpose(0, 3, 1, 2)
	}
	out := tensor.New[float32](m.backend.MaxPool2D(x.Raw(), m.kernelSize, m.stride), m.backend)
	if m.layout == tensor.ChannelsLast {
		out = out.Transpose(0, 2, 3, 1)
	}
	return out
}

// Parameters returns nil.
func (m *MaxPool2D[B]) Parameters() []*Parameter[B] { return nil }
