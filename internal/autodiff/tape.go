package autodiff

import (
	"github.com/born-ml/mnistjob/internal/autodiff/ops"
	"github.com/born-ml/mnistjob/internal/tensor"
)

// GradientTape records operations during the forward pass and replays
// them in reverse to compute gradients.
//
// A tape is not safe for concurrent use. Run one backend, and therefore
// one tape, per goroutine.
//
//	tape.StartRecording()
//	loss := forward(...)
//	grads := tape.Backward(ones, backend)
//	tape.Clear()
type GradientTape struct {
	operations []ops.Operation
	recording  bool
}

// NewGradientTape creates an idle tape.
func NewGradientTape() *GradientTape {
	return &GradientTape{operations: make([]ops.Operation, 0, 64)}
}

// StartRecording enables recording.
func (t *GradientTape) StartRecording() {
	t.recording = true
}

// StopRecording disables recording.
func (t *GradientTape) StopRecording() {
	t.recording = false
}

// IsRecording reports whether operations are being recorded.
func (t *GradientTape) IsRecording() bool {
	return t.recording
}

// Record appends op if the tape is recording.
func (t *GradientTape) Record(op ops.Operation) {
	if t.recording {
		t.operations = append(t.operations, op)
	}
}

// Len returns the number of recorded operations.
func (t *GradientTape) Len() int {
	return len(t.operations)
}

// Clear drops all recorded operations. The recording state is kept.
func (t *GradientTape) Clear() {
	clear(t.operations)
	t.operations = t.operations[:0]
}

// Backward walks the tape from the last operation to the first, seeding it
// with outputGrad, and returns the accumulated gradient of every tensor
// that took part. Tensors used more than once have their contributions
// summed.
func (t *GradientTape) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) map[*tensor.RawTensor]*tensor.RawTensor {
	grads := make(map[*tensor.RawTensor]*tensor.RawTensor)
	if len(t.operations) == 0 {
		return grads
	}

	// Gradient arithmetic must not land on the tape.
	wasRecording := t.recording
	t.recording = false
	defer func() { t.recording = wasRecording }()

	grads[t.operations[len(t.operations)-1].Output()] = outputGrad

	for i := len(t.operations) - 1; i >= 0; i-- {
		op := t.operations[i]
		g, ok := grads[op.Output()]
		if !ok {
			continue
		}

		for j, ig := range op.Backward(g, backend) {
			if ig == nil {
				continue
			}
			in := op.Inputs()[j]
			if prev, seen := grads[in]; seen {
				grads[in] = backend.Add(prev, ig)
			} else {
				grads[in] = ig
			}
		}
	}
	return grads
}
