package nn

import (
	"fmt"

	"github.com/born-ml/mnistjob/internal/tensor"
)

// Sequential chains modules in order.
type Sequential[B tensor.Backend] struct {
	modules []Module[B]
}

// NewSequential creates a container from the given modules.
func NewSequential[B tensor.Backend](modules ...Module[B]) *Sequential[B] {
	return &Sequential[B]{modules: modules}
}

// Forward runs input through every module.
func (s *Sequential[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	x := input
	for _, m := range s.modules {
		x = m.Forward(x)
	}
	return x
}

// Parameters returns all parameters in module order.
func (s *Sequential[B]) Parameters() []*Parameter[B] {
	var params []*Parameter[B]
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

// Add appends a module.
func (s *Sequential[B]) Add(m Module[B]) {
	s.modules = append(s.modules, m)
}

// Len returns the number of modules.
func (s *Sequential[B]) Len() int {
	return len(s.modules)
}

// Module returns the module at index i.
func (s *Sequential[B]) Module(i int) Module[B] {
	return s.modules[i]
}

// Modules returns the modules in order.
func (s *Sequential[B]) Modules() []Module[B] {
	return s.modules
}

// SetTraining propagates the mode to every module that has one.
func (s *Sequential[B]) SetTraining(training bool) {
	for _, m := range s.modules {
		if t, ok := m.(Trainable); ok {
			t.SetTraining(training)
		}
	}
}

// StateDict returns every parameter and buffer keyed "<layer>.<name>".
// Modules without a name are keyed by index.
func (s *Sequential[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	for i, m := range s.modules {
		prefix := fmt.Sprintf("%d", i)
		if n, ok := m.(Named); ok {
			prefix = n.Name()
		}

		var local map[string]*tensor.RawTensor
		if st, ok := m.(Stateful); ok {
			local = st.StateDict()
		} else {
			local = parameterState(m.Parameters())
		}
		for name, t := range local {
			state[prefix+"."+name] = t
		}
	}
	return state
}

// LoadStateDict copies state into the model's tensors in place.
func (s *Sequential[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	own := s.StateDict()
	if len(own) != len(state) {
		return fmt.Errorf("%w: model has %d entries, state has %d", ErrStateMismatch, len(own), len(state))
	}
	return loadInto(own, state)
}
