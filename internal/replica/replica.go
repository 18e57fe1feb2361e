// Package replica runs training steps on one or more model replicas.
//
// With a single device the master model is stepped directly. With several,
// each batch is split along its first dimension, every shard runs forward
// and backward on its own replica concurrently, and the shard gradients are
// averaged into one update for the master. Sync then pushes the updated
// master state back to the replicas.
package replica

import (
	"errors"
	"fmt"

	"github.com/born-ml/mnistjob/internal/autodiff"
	"github.com/born-ml/mnistjob/internal/backend/cpu"
	"github.com/born-ml/mnistjob/internal/nn"
	"github.com/born-ml/mnistjob/internal/tensor"
)

var (
	// ErrStep wraps failures inside a replica's forward or backward pass.
	ErrStep = errors.New("replica: step failed")
	// ErrReplicaMismatch is returned when a replica does not match the master.
	ErrReplicaMismatch = errors.New("replica: replica does not match master")
)

// Backend is the differentiable backend every replica trains on.
type Backend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

// Worker is one model replica with its own backend and tape.
type Worker struct {
	Backend Backend
	Model   *nn.Sequential[Backend]
}

// Factory builds the replica with the given index.
type Factory func(index int) (*Worker, error)

// Result summarizes one training step over a full batch.
type Result struct {
	// Loss is the mean loss over the batch.
	Loss float64
	// Correct is the number of samples whose prediction matched.
	Correct int
	// Samples is the batch size.
	Samples int
	// Grads maps each master parameter's raw tensor to its batch-mean
	// gradient, ready for optim.Optimizer.Step.
	Grads map[*tensor.RawTensor]*tensor.RawTensor
}

// Replicator steps a model over batches.
type Replicator interface {
	// Count returns the number of replicas; 1 means the master alone.
	Count() int
	// Step runs forward and backward on a batch of inputs x and one-hot
	// targets y without updating parameters.
	Step(x, y *tensor.RawTensor) (Result, error)
	// Sync copies the master's parameters and buffers into the replicas.
	Sync() error
}

// New returns a Replicator for count devices. Counts below 2 step the
// master directly and never call factory.
func New(master *Worker, count int, factory Factory) (Replicator, error) {
	if count <= 1 {
		return &single{master: master}, nil
	}
	if factory == nil {
		return nil, fmt.Errorf("replica: %d replicas requested without a factory", count)
	}

	dp := &dataParallel{master: master, workers: make([]*Worker, count)}
	for i := range dp.workers {
		w, err := factory(i)
		if err != nil {
			return nil, fmt.Errorf("replica: build replica %d: %w", i, err)
		}
		dp.workers[i] = w
	}
	if err := dp.Sync(); err != nil {
		return nil, err
	}
	return dp, nil
}

// single steps the master model on the whole batch.
type single struct {
	master *Worker
}

func (s *single) Count() int { return 1 }

func (s *single) Sync() error { return nil }

func (s *single) Step(x, y *tensor.RawTensor) (Result, error) {
	s.master.Model.SetTraining(true)
	out, err := forwardBackward(s.master, x, y)
	if err != nil {
		return Result{}, err
	}

	params := s.master.Model.Parameters()
	grads := make(map[*tensor.RawTensor]*tensor.RawTensor, len(params))
	for i, p := range params {
		grads[p.Tensor().Raw()] = out.grads[i]
	}
	return Result{Loss: out.loss, Correct: out.correct, Samples: out.samples, Grads: grads}, nil
}

// shardResult is one replica's contribution to a step. grads follow the
// order of Model.Parameters().
type shardResult struct {
	loss    float64
	correct int
	samples int
	grads   []*tensor.RawTensor
}

// forwardBackward records one forward pass on w's tape and differentiates
// the loss. Kernel panics such as shape mismatches come back as ErrStep.
func forwardBackward(w *Worker, x, y *tensor.RawTensor) (res shardResult, err error) {
	tape := w.Backend.Tape()
	defer func() {
		tape.StopRecording()
		tape.Clear()
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrStep, r)
		}
	}()

	tape.Clear()
	tape.StartRecording()

	probs := w.Model.Forward(tensor.New[float32](x, w.Backend))
	loss := nn.CategoricalCrossEntropy(probs, tensor.New[float32](y, w.Backend), w.Backend)
	grads := tape.Backward(tensor.Ones[float32](loss.Shape(), w.Backend).Raw(), w.Backend)

	params := w.Model.Parameters()
	res.grads = make([]*tensor.RawTensor, len(params))
	for i, p := range params {
		g, ok := grads[p.Tensor().Raw()]
		if !ok {
			g = tensor.MustRaw(p.Tensor().Shape(), tensor.Float32, w.Backend.Device())
		}
		res.grads[i] = g
	}

	res.loss = float64(loss.Data()[0])
	res.correct = nn.CorrectCount(probs.Raw(), y)
	res.samples = x.Shape()[0]
	return res, nil
}
