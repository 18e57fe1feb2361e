// Package optim implements the optimizers used to train the classifier.
//
// Optimizers take the gradient map produced by autodiff.GradientTape and
// update parameters in place, so the parameter tensors keep their identity
// across steps.
package optim

import (
	"errors"

	"github.com/born-ml/mnistjob/internal/nn"
	"github.com/born-ml/mnistjob/internal/tensor"
)

// ErrInvalidConfig is returned for out-of-range hyperparameters.
var ErrInvalidConfig = errors.New("optim: invalid config")

// Optimizer updates parameters from their gradients.
type Optimizer interface {
	// Step applies one update. grads maps each parameter's raw tensor to
	// its gradient; parameters without an entry are left unchanged.
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)

	// GetLR returns the learning rate that the next Step will apply.
	GetLR() float32
}

func getGradient[B tensor.Backend](param *nn.Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor) *tensor.RawTensor {
	if grads == nil {
		return nil
	}
	return grads[param.Tensor().Raw()]
}
