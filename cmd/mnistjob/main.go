// Package main trains the MNIST digit classifier and exports it.
//
// Settings come from flags with SageMaker-style environment fallbacks:
//
//	mnistjob --epochs 12 --learning-rate 0.05 --batch-size 128
//
// with SM_NUM_GPUS, SM_MODEL_DIR, SM_CHANNEL_TRAINING and
// SM_CHANNEL_VALIDATION supplying anything not given on the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/born-ml/mnistjob/internal/autodiff"
	"github.com/born-ml/mnistjob/internal/backend/cpu"
	"github.com/born-ml/mnistjob/internal/config"
	"github.com/born-ml/mnistjob/internal/dataset"
	"github.com/born-ml/mnistjob/internal/device"
	"github.com/born-ml/mnistjob/internal/export"
	"github.com/born-ml/mnistjob/internal/model"
	"github.com/born-ml/mnistjob/internal/optim"
	"github.com/born-ml/mnistjob/internal/preprocess"
	"github.com/born-ml/mnistjob/internal/replica"
	"github.com/born-ml/mnistjob/internal/serialization"
	"github.com/born-ml/mnistjob/internal/tensor"
	"github.com/born-ml/mnistjob/internal/trainer"
)

const version = "v0.1.0-dev"

// SGD settings that are not exposed as flags.
const (
	sgdDecay    = 1e-6
	sgdMomentum = 0.9
)

// paritySamples is how many validation samples are replayed through the
// exported graph.
const paritySamples = 8

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stderr, "mnistjob: ", log.LstdFlags)
	if err := run(ctx, os.Args[1:], nil, logger); err != nil {
		if errors.Is(err, config.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Usage of mnistjob %s:\n%s", version, config.Usage())
			return
		}
		logger.Fatalf("fatal: %v", err)
	}
}

// run executes the job. lookup resolves environment variables and
// defaults to os.LookupEnv.
func run(ctx context.Context, args []string, lookup func(string) (string, bool), logger *log.Logger) error {
	cfg, err := config.Load(args, lookup)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	logger.Printf("run=%s version=%s epochs=%d lr=%g batch=%d devices=%d format=%s seed=%d",
		runID, version, cfg.Epochs, cfg.LearningRate, cfg.BatchSize, cfg.GPUCount, cfg.DataFormat, cfg.Seed)

	info := device.Probe()
	logger.Printf("device %s", info)
	if cfg.GPUCount > info.Accelerators() {
		logger.Printf("warning: %d devices requested but %d accelerators found; replicas run on CPU goroutines",
			cfg.GPUCount, info.Accelerators())
	}

	prep := preprocess.DefaultOptions()
	prep.Layout = cfg.DataFormat
	train, err := loadSplit(cfg.Training, dataset.TrainingFile, prep)
	if err != nil {
		return fmt.Errorf("training data: %w", err)
	}
	val, err := loadSplit(cfg.Validation, dataset.ValidationFile, prep)
	if err != nil {
		return fmt.Errorf("validation data: %w", err)
	}
	logger.Printf("data train=%d val=%d input=%v", train.Len(), val.Len(), train.Inputs.Shape()[1:])

	mopts := model.DefaultOptions()
	mopts.Layout = cfg.DataFormat
	mopts.Channels, mopts.Height, mopts.Width = prep.Geometry.Channels, prep.Geometry.Height, prep.Geometry.Width
	mopts.Classes = prep.Classes
	mopts.Seed = cfg.Seed

	master, err := newWorker(mopts, cpu.New())
	if err != nil {
		return err
	}
	logSummary(logger, master, mopts.InputShape())

	rep, err := replica.New(master, cfg.Replicas(), func(index int) (*replica.Worker, error) {
		o := mopts
		o.Seed += int64(index) + 1
		return newWorker(o, cpu.NewSerial())
	})
	if err != nil {
		return err
	}

	sgd := optim.SGDConfig{
		LR:       float32(cfg.LearningRate),
		Decay:    sgdDecay,
		Momentum: sgdMomentum,
		Nesterov: true,
	}
	opt, err := optim.NewSGD(master.Model.Parameters(), sgd)
	if err != nil {
		return err
	}

	tr, err := trainer.New(trainer.Config{
		Epochs:    cfg.Epochs,
		BatchSize: cfg.BatchSize,
		Shuffle:   cfg.Shuffle,
		Seed:      cfg.Seed,
		LogEvery:  cfg.LogEvery,
	}, master, rep, opt, logger)
	if err != nil {
		return err
	}

	history, err := tr.Fit(ctx, train, val)
	if err != nil {
		return err
	}

	res, err := tr.Evaluate(ctx, val)
	if err != nil {
		return err
	}
	logger.Printf("Validation loss: %.4f", res.Loss)
	logger.Printf("Validation accuracy: %.4f", res.Accuracy)

	art, err := export.Save(cfg.ModelDir, master.Model, export.Options{
		Layout:     cfg.DataFormat,
		InputShape: mopts.InputShape(),
		RunID:      runID,
		Version:    version,
		Training: &serialization.TrainingMeta{
			Epochs:    len(history.Epochs),
			Loss:      res.Loss,
			Accuracy:  res.Accuracy,
			Optimizer: "SGD",
			OptimizerConfig: map[string]float64{
				"lr":       cfg.LearningRate,
				"decay":    sgdDecay,
				"momentum": sgdMomentum,
				"nesterov": 1,
			},
		},
	})
	if err != nil {
		return err
	}
	logger.Printf("exported onnx=%s weights=%s signature=%s", art.ONNX, art.Weights, art.Signature)

	checkParity(ctx, tr, val, art.ONNX, logger)
	return nil
}

func loadSplit(dir, file string, opts preprocess.Options) (trainer.Data, error) {
	ds, err := dataset.Load(dir, file)
	if err != nil {
		return trainer.Data{}, err
	}
	p, err := preprocess.Prepare(ds, opts)
	if err != nil {
		return trainer.Data{}, err
	}
	x, err := p.Inputs()
	if err != nil {
		return trainer.Data{}, err
	}
	y, err := p.Targets()
	if err != nil {
		return trainer.Data{}, err
	}
	return trainer.Data{Inputs: x, Targets: y}, nil
}

func newWorker(opts model.Options, kernels *cpu.CPUBackend) (*replica.Worker, error) {
	b := autodiff.New(kernels)
	seq, err := model.Build(opts, b)
	if err != nil {
		return nil, err
	}
	return &replica.Worker{Backend: b, Model: seq}, nil
}

// logSummary logs the layer table of w traced with one sample of shape.
// A failed trace is logged as a warning.
func logSummary(logger *log.Logger, w *replica.Worker, shape tensor.Shape) {
	summary, err := model.Summary(w.Model, shape, w.Backend)
	if err != nil {
		logger.Printf("warning: model summary failed: %v", err)
		return
	}
	logger.Printf("model\n%s", summary)
}

// checkParity replays a few validation samples through the exported graph.
// A mismatch is logged as a warning.
func checkParity(ctx context.Context, tr *trainer.Trainer, val trainer.Data, path string, logger *log.Logger) {
	n := min(paritySamples, val.Len())
	if n == 0 {
		return
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	x := trainer.Gather(val.Inputs, idx)
	want, err := tr.Predict(ctx, x)
	if err != nil {
		logger.Printf("warning: onnx parity check failed: %v", err)
		return
	}
	diff, err := export.Parity(path, x, want)
	switch {
	case err != nil:
		logger.Printf("warning: onnx parity check failed: %v", err)
	case diff > 1e-3:
		logger.Printf("warning: onnx parity max_abs_diff=%.2e", diff)
	default:
		logger.Printf("onnx parity samples=%d max_abs_diff=%.2e", n, diff)
	}
}
