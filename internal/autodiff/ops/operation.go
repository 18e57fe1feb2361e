// Package ops defines the differentiable operations recorded by the
// gradient tape.
//
// Each operation keeps references to its inputs and output from the
// forward pass and maps an output gradient to one gradient per input.
package ops

import "github.com/born-ml/mnistjob/internal/tensor"

// Operation is one recorded step of the forward pass.
type Operation interface {
	// Backward returns ∂L/∂input for every input, in Inputs() order,
	// given ∂L/∂output. A nil entry means no gradient flows to that input.
	Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor

	// Inputs returns the tensors the operation consumed.
	Inputs() []*tensor.RawTensor

	// Output returns the tensor the operation produced.
	Output() *tensor.RawTensor
}
