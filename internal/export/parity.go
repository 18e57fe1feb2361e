package export

import (
	"fmt"
	"math"

	"github.com/born-ml/mnistjob/internal/backend/cpu"
	"github.com/born-ml/mnistjob/internal/onnx"
	"github.com/born-ml/mnistjob/internal/tensor"
)

// Parity evaluates the ONNX graph at path on inputs and returns the largest
// absolute difference between its output and want.
func Parity(path string, inputs, want *tensor.RawTensor) (float64, error) {
	m, err := onnx.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("export: parity: %w", err)
	}
	s, err := onnx.NewSession(m, cpu.NewSerial())
	if err != nil {
		return 0, fmt.Errorf("export: parity: %w", err)
	}
	out, err := s.Run(map[string]*tensor.RawTensor{InputName: inputs})
	if err != nil {
		return 0, fmt.Errorf("export: parity: %w", err)
	}

	got := out[s.OutputNames()[0]]
	if !got.Shape().Equal(want.Shape()) {
		return 0, fmt.Errorf("export: parity: graph returned %v, want %v", got.Shape(), want.Shape())
	}
	var worst float64
	w := want.AsFloat32()
	for i, v := range got.AsFloat32() {
		worst = math.Max(worst, math.Abs(float64(v-w[i])))
	}
	return worst, nil
}
