package nn

import (
	"errors"
	"fmt"

	"github.com/born-ml/mnistjob/internal/tensor"
)

// ErrStateMismatch is returned when loaded state does not fit a model.
var ErrStateMismatch = errors.New("nn: state mismatch")

// loadInto copies every tensor of dst from src in place.
func loadInto(dst, src map[string]*tensor.RawTensor) error {
	for name, t := range dst {
		s, ok := src[name]
		if !ok {
			return fmt.Errorf("%w: missing %q", ErrStateMismatch, name)
		}
		if err := t.CopyFrom(s); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrStateMismatch, name, err)
		}
	}
	return nil
}

func parameterState[B tensor.Backend](params []*Parameter[B]) map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor, len(params))
	for _, p := range params {
		state[p.Name()] = p.Tensor().Raw()
	}
	return state
}
