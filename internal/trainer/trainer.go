// Package trainer runs the fit, evaluate and predict loops over a
// replicated model.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/born-ml/mnistjob/internal/metrics"
	"github.com/born-ml/mnistjob/internal/nn"
	"github.com/born-ml/mnistjob/internal/optim"
	"github.com/born-ml/mnistjob/internal/replica"
	"github.com/born-ml/mnistjob/internal/tensor"
)

// ErrInvalidConfig is returned by New for unusable settings.
var ErrInvalidConfig = errors.New("trainer: invalid config")

// ErrShapeMismatch is returned when inputs and targets disagree.
var ErrShapeMismatch = errors.New("trainer: inputs and targets disagree")

// ErrInference is returned when the model cannot run on the given inputs.
var ErrInference = errors.New("trainer: inference failed")

// Config captures the knobs of the training loop.
type Config struct {
	Epochs    int
	BatchSize int
	Shuffle   bool
	Seed      int64
	// LogEvery logs a progress line every N steps within an epoch.
	// Zero logs epochs only.
	LogEvery int
}

// Data holds model inputs and one-hot targets with matching first
// dimensions.
type Data struct {
	Inputs  *tensor.RawTensor
	Targets *tensor.RawTensor
}

// Len returns the number of samples.
func (d Data) Len() int {
	if d.Inputs == nil {
		return 0
	}
	return d.Inputs.Shape()[0]
}

func (d Data) validate() error {
	if d.Inputs == nil || d.Targets == nil {
		return fmt.Errorf("%w: missing inputs or targets", ErrShapeMismatch)
	}
	if len(d.Targets.Shape()) != 2 {
		return fmt.Errorf("%w: targets must be [N, classes], got %v", ErrShapeMismatch, d.Targets.Shape())
	}
	if d.Inputs.Shape()[0] != d.Targets.Shape()[0] {
		return fmt.Errorf("%w: %d inputs but %d targets", ErrShapeMismatch, d.Inputs.Shape()[0], d.Targets.Shape()[0])
	}
	return nil
}

// Result is a loss and accuracy over a dataset.
type Result struct {
	Loss     float64
	Accuracy float64
}

// EpochStats records one epoch of Fit.
type EpochStats struct {
	Epoch       int
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
	Duration    time.Duration
}

// History holds the per-epoch statistics of a Fit call.
type History struct {
	Epochs []EpochStats
}

// Last returns the final epoch's statistics.
func (h History) Last() EpochStats {
	if len(h.Epochs) == 0 {
		return EpochStats{}
	}
	return h.Epochs[len(h.Epochs)-1]
}

// Trainer fits a model through a Replicator.
type Trainer struct {
	cfg    Config
	master *replica.Worker
	rep    replica.Replicator
	opt    optim.Optimizer
	logger *log.Logger
	rng    *rand.Rand
}

// New creates a trainer. master is the model that the optimizer updates
// and that Evaluate and Predict run on. logger may be nil.
func New(cfg Config, master *replica.Worker, rep replica.Replicator, opt optim.Optimizer, logger *log.Logger) (*Trainer, error) {
	switch {
	case cfg.Epochs < 1:
		return nil, fmt.Errorf("%w: epochs must be >= 1, got %d", ErrInvalidConfig, cfg.Epochs)
	case cfg.BatchSize < 1:
		return nil, fmt.Errorf("%w: batch size must be >= 1, got %d", ErrInvalidConfig, cfg.BatchSize)
	case cfg.LogEvery < 0:
		return nil, fmt.Errorf("%w: log interval must be >= 0, got %d", ErrInvalidConfig, cfg.LogEvery)
	case master == nil || rep == nil || opt == nil:
		return nil, fmt.Errorf("%w: model, replicator and optimizer are required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Trainer{
		cfg:    cfg,
		master: master,
		rep:    rep,
		opt:    opt,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Fit trains for the configured number of epochs and validates after each
// one. val may be empty, in which case validation is skipped.
func (t *Trainer) Fit(ctx context.Context, train, val Data) (History, error) {
	if err := train.validate(); err != nil {
		return History{}, err
	}
	validate := val.Len() > 0
	if validate {
		if err := val.validate(); err != nil {
			return History{}, err
		}
	}

	var hist History
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		stats, err := t.runEpoch(ctx, epoch, train)
		if err != nil {
			return hist, err
		}
		if validate {
			res, err := t.Evaluate(ctx, val)
			if err != nil {
				return hist, err
			}
			stats.ValLoss, stats.ValAccuracy = res.Loss, res.Accuracy
		}
		hist.Epochs = append(hist.Epochs, stats)

		t.logger.Printf("epoch=%d/%d loss=%.4f acc=%.4f val_loss=%.4f val_acc=%.4f dur=%s",
			epoch, t.cfg.Epochs, stats.Loss, stats.Accuracy, stats.ValLoss, stats.ValAccuracy,
			stats.Duration.Round(time.Millisecond))
	}
	return hist, nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int, train Data) (EpochStats, error) {
	start := time.Now()
	n := train.Len()
	order := t.order(n)

	var window, logWindow metrics.Window
	for step, lo := 1, 0; lo < n; step, lo = step+1, lo+t.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return EpochStats{}, err
		}

		startData := time.Now()
		idx := order[lo:min(lo+t.cfg.BatchSize, n)]
		x, y := Gather(train.Inputs, idx), Gather(train.Targets, idx)
		dataTime := time.Since(startData)

		startCompute := time.Now()
		res, err := t.rep.Step(x, y)
		if err != nil {
			return EpochStats{}, fmt.Errorf("trainer: epoch %d step %d: %w", epoch, step, err)
		}
		t.opt.Step(res.Grads)
		if err := t.rep.Sync(); err != nil {
			return EpochStats{}, fmt.Errorf("trainer: epoch %d step %d: %w", epoch, step, err)
		}
		computeTime := time.Since(startCompute)

		window.Record(res.Samples, dataTime, computeTime, res.Loss, res.Correct)
		logWindow.Record(res.Samples, dataTime, computeTime, res.Loss, res.Correct)

		if t.cfg.LogEvery > 0 && step%t.cfg.LogEvery == 0 {
			snap := logWindow.Snapshot()
			t.logger.Printf("epoch=%d step=%d samples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f lr=%.6g",
				epoch, step, snap.SamplesPerSec, snap.AvgDataMS, snap.AvgComputeMS, snap.LastLoss, t.opt.GetLR())
		}
	}

	snap := window.Snapshot()
	t.logger.Printf("epoch=%d steps=%d samples_per_sec=%.1f loss_mean=%.4f loss_std=%.4f",
		epoch, snap.Steps, snap.SamplesPerSec, snap.MeanLoss, snap.StdLoss)
	return EpochStats{
		Epoch:    epoch,
		Loss:     snap.MeanLoss,
		Accuracy: snap.Accuracy,
		Duration: time.Since(start),
	}, nil
}

func (t *Trainer) order(n int) []int {
	if t.cfg.Shuffle {
		return t.rng.Perm(n)
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// Evaluate runs one inference pass over data and returns the mean loss and
// accuracy.
func (t *Trainer) Evaluate(ctx context.Context, data Data) (Result, error) {
	if err := data.validate(); err != nil {
		return Result{}, err
	}
	n := data.Len()
	if n == 0 {
		return Result{}, nil
	}

	var lossSum float64
	var correct int
	err := t.inference(ctx, data.Inputs, func(lo int, probs *tensor.Tensor[float32, replica.Backend]) {
		idx := span(lo, probs.Shape()[0])
		targets := tensor.New[float32](Gather(data.Targets, idx), t.master.Backend)
		loss := nn.CategoricalCrossEntropy(probs, targets, t.master.Backend)
		lossSum += float64(loss.Data()[0]) * float64(len(idx))
		correct += nn.CorrectCount(probs.Raw(), targets.Raw())
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Loss: lossSum / float64(n), Accuracy: float64(correct) / float64(n)}, nil
}

// Predict returns softmax probabilities [N, classes] for inputs.
func (t *Trainer) Predict(ctx context.Context, inputs *tensor.RawTensor) (*tensor.RawTensor, error) {
	if inputs == nil || len(inputs.Shape()) == 0 {
		return nil, fmt.Errorf("%w: inputs need a batch dimension", ErrShapeMismatch)
	}
	var rows []float32
	classes := 0
	err := t.inference(ctx, inputs, func(_ int, probs *tensor.Tensor[float32, replica.Backend]) {
		classes = probs.Shape()[1]
		rows = append(rows, probs.Data()...)
	})
	if err != nil {
		return nil, err
	}
	out, err := tensor.FromFloat32(rows, tensor.Shape{inputs.Shape()[0], classes})
	if err != nil {
		return nil, fmt.Errorf("trainer: predict: %w", err)
	}
	return out, nil
}

// inference runs the master in inference mode over inputs in batches and
// hands each batch's probabilities to fn together with its first index.
// Kernel panics are returned as ErrInference.
func (t *Trainer) inference(ctx context.Context, inputs *tensor.RawTensor, fn func(lo int, probs *tensor.Tensor[float32, replica.Backend])) (err error) {
	t.master.Model.SetTraining(false)
	defer t.master.Model.SetTraining(true)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrInference, r)
		}
	}()

	n := inputs.Shape()[0]
	for lo := 0; lo < n; lo += t.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		x := Gather(inputs, span(lo, min(t.cfg.BatchSize, n-lo)))
		fn(lo, t.master.Model.Forward(tensor.New[float32](x, t.master.Backend)))
	}
	return nil
}

func span(lo, n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = lo + i
	}
	return idx
}

// Gather copies the rows idx of t along the first dimension into a new
// tensor.
func Gather(t *tensor.RawTensor, idx []int) *tensor.RawTensor {
	shape := t.Shape().Clone()
	row := 1
	for _, d := range shape[1:] {
		row *= d
	}
	shape[0] = len(idx)

	out := tensor.MustRaw(shape, tensor.Float32, t.Device())
	src, dst := t.AsFloat32(), out.AsFloat32()
	for i, r := range idx {
		copy(dst[i*row:(i+1)*row], src[r*row:(r+1)*row])
	}
	return out
}
