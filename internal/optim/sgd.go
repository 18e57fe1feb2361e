package optim

import (
	"fmt"
	"strconv"

	"github.com/born-ml/mnistjob/internal/nn"
	"github.com/born-ml/mnistjob/internal/tensor"
)

// SGD implements stochastic gradient descent with time-based decay and
// optional (Nesterov) momentum, following the Keras 2 update rule:
//
//	lr_t = lr / (1 + decay * iterations)
//	v    = momentum * v - lr_t * g
//	p    = p + v                              (plain momentum)
//	p    = p + momentum * v - lr_t * g        (Nesterov)
//
// iterations counts completed steps, starting at 0.
//
// Example:
//
//	opt, err := optim.NewSGD(model.Parameters(), optim.SGDConfig{
//	    LR:       0.01,
//	    Decay:    1e-6,
//	    Momentum: 0.9,
//	    Nesterov: true,
//	})
type SGD[B tensor.Backend] struct {
	params     []*nn.Parameter[B]
	cfg        SGDConfig
	iterations int64
	velocities [][]float32
}

// SGDConfig holds hyperparameters for SGD.
type SGDConfig struct {
	LR       float32 // Initial learning rate, > 0.
	Decay    float32 // Time-based decay, >= 0.
	Momentum float32 // Momentum factor in [0, 1).
	Nesterov bool
}

// NewSGD creates an optimizer over params.
func NewSGD[B tensor.Backend](params []*nn.Parameter[B], cfg SGDConfig) (*SGD[B], error) {
	switch {
	case !(cfg.LR > 0):
		return nil, fmt.Errorf("%w: learning rate %v must be positive", ErrInvalidConfig, cfg.LR)
	case cfg.Decay < 0:
		return nil, fmt.Errorf("%w: decay %v must not be negative", ErrInvalidConfig, cfg.Decay)
	case cfg.Momentum < 0 || cfg.Momentum >= 1:
		return nil, fmt.Errorf("%w: momentum %v must be in [0, 1)", ErrInvalidConfig, cfg.Momentum)
	}

	velocities := make([][]float32, len(params))
	for i, p := range params {
		velocities[i] = make([]float32, p.NumElements())
	}
	return &SGD[B]{params: params, cfg: cfg, velocities: velocities}, nil
}

// Step applies one update and advances the iteration count.
func (s *SGD[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	lr := s.GetLR()
	m := s.cfg.Momentum

	for i, param := range s.params {
		grad := getGradient(param, grads)
		if grad == nil {
			continue
		}
		p := param.Tensor().Raw().AsFloat32()
		g := grad.AsFloat32()
		if len(g) != len(p) {
			panic(fmt.Sprintf("optim: gradient for %s has %d elements, want %d", param.Name(), len(g), len(p)))
		}
		v := s.velocities[i]

		for j := range p {
			v[j] = m*v[j] - lr*g[j]
			if s.cfg.Nesterov {
				p[j] += m*v[j] - lr*g[j]
			} else {
				p[j] += v[j]
			}
		}
	}
	s.iterations++
}

// GetLR returns the decayed learning rate for the next step.
func (s *SGD[B]) GetLR() float32 {
	return float32(float64(s.cfg.LR) / (1 + float64(s.cfg.Decay)*float64(s.iterations)))
}

// Iterations returns the number of completed steps.
func (s *SGD[B]) Iterations() int64 {
	return s.iterations
}

// Config returns the hyperparameters.
func (s *SGD[B]) Config() SGDConfig {
	return s.cfg
}

// StateDict returns the velocity buffers keyed "velocity.<index>" plus the
// iteration count under "iterations".
func (s *SGD[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor, len(s.velocities)+1)
	for i, v := range s.velocities {
		raw, err := tensor.FromFloat32(v, s.params[i].Tensor().Shape())
		if err != nil {
			panic(err)
		}
		state["velocity."+strconv.Itoa(i)] = raw
	}
	it := tensor.MustRaw(tensor.Shape{1}, tensor.Int64, tensor.CPU)
	it.AsInt64()[0] = s.iterations
	state["iterations"] = it
	return state
}

// LoadStateDict restores state produced by StateDict.
func (s *SGD[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	for i, v := range s.velocities {
		key := "velocity." + strconv.Itoa(i)
		raw, ok := state[key]
		if !ok {
			return fmt.Errorf("%w: missing %q", ErrInvalidConfig, key)
		}
		if raw.NumElements() != len(v) || raw.DType() != tensor.Float32 {
			return fmt.Errorf("%w: %q has %d %s elements, want %d float32", ErrInvalidConfig, key, raw.NumElements(), raw.DType(), len(v))
		}
		copy(v, raw.AsFloat32())
	}
	if it, ok := state["iterations"]; ok && it.DType() == tensor.Int64 && it.NumElements() == 1 {
		s.iterations = it.AsInt64()[0]
	}
	return nil
}
