// Package nn provides the layers of the digit classifier as composable
// modules over a generic backend.
//
// Layers that need operations beyond tensor.Backend (activations,
// normalization, loss) assert capability interfaces on the backend, which
// autodiff.AutodiffBackend satisfies.
package nn

import (
	"github.com/born-ml/mnistjob/internal/tensor"
)

// Module is a layer or a composition of layers.
type Module[B tensor.Backend] interface {
	// Forward computes the output for a batch.
	Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

	// Parameters returns the trainable parameters in a stable order.
	Parameters() []*Parameter[B]
}

// Named is implemented by modules that carry a layer name.
type Named interface {
	Name() string
}

// Trainable is implemented by modules that behave differently during
// training, such as BatchNorm and Dropout.
type Trainable interface {
	SetTraining(training bool)
}

// Stateful is implemented by modules whose state includes more than their
// parameters, such as BatchNorm running statistics.
type Stateful interface {
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(state map[string]*tensor.RawTensor) error
}

// ReLUBackend supports max(0, x).
type ReLUBackend interface {
	ReLU(x *tensor.RawTensor) *tensor.RawTensor
}

// SoftmaxBackend supports softmax over the last dimension.
type SoftmaxBackend interface {
	Softmax(x *tensor.RawTensor) *tensor.RawTensor
}

// BatchNormBackend supports per-channel normalization.
type BatchNormBackend interface {
	BatchNorm(x, gamma, beta *tensor.RawTensor, axis int, mean, variance []float32, eps float32, batchStats bool) *tensor.RawTensor
}

// CrossEntropyBackend supports categorical cross-entropy on probabilities.
type CrossEntropyBackend interface {
	CategoricalCrossEntropy(probs, targets *tensor.RawTensor) *tensor.RawTensor
}

func capability[C any, B tensor.Backend](backend B, op string) C {
	c, ok := any(backend).(C)
	if !ok {
		panic(op + ": backend must implement the operation (use autodiff.AutodiffBackend)")
	}
	return c
}
