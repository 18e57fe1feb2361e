package main

import (
	"bytes"
	"context"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/mnistjob/internal/backend/cpu"
	"github.com/born-ml/mnistjob/internal/config"
	"github.com/born-ml/mnistjob/internal/dataset"
	"github.com/born-ml/mnistjob/internal/export"
	"github.com/born-ml/mnistjob/internal/model"
	"github.com/born-ml/mnistjob/internal/onnx"
	"github.com/born-ml/mnistjob/internal/serialization"
	"github.com/born-ml/mnistjob/internal/tensor"
)

// writeSplit stores n random 28×28 uint8 digits under dir/file.
func writeSplit(t *testing.T, dir, file string, n int, seed int64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	rng := rand.New(rand.NewSource(seed))

	images := make([]float32, n*28*28)
	for i := range images {
		images[i] = float32(rng.Intn(256))
	}
	labels := make([]float32, n)
	for i := range labels {
		labels[i] = float32(i % 10)
	}
	require.NoError(t, dataset.SaveNPZ(filepath.Join(dir, file), map[string]dataset.Array{
		dataset.ImageKey: {Shape: []int{n, 28, 28}, Data: images, Integral: true},
		dataset.LabelKey: {Shape: []int{n}, Data: labels, Integral: true},
	}))
}

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestRunEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("trains the full topology")
	}

	for _, tc := range []struct {
		format string
		gpus   string
		shape  []int
	}{
		{"channels_first", "0", []int{1, 1, 28, 28}},
		{"channels_last", "2", []int{1, 28, 28, 1}},
	} {
		t.Run(tc.format, func(t *testing.T) {
			root := t.TempDir()
			trainDir := filepath.Join(root, "train")
			valDir := filepath.Join(root, "val")
			modelDir := filepath.Join(root, "model")
			writeSplit(t, trainDir, dataset.TrainingFile, 16, 1)
			writeSplit(t, valDir, dataset.ValidationFile, 8, 2)

			var logs bytes.Buffer
			logger := log.New(&logs, "", 0)
			args := []string{"--epochs", "1", "--batch-size", "8", "--seed", "7", "--data-format", tc.format}
			err := run(context.Background(), args, env(map[string]string{
				config.EnvNumGPUs:    tc.gpus,
				config.EnvModelDir:   modelDir,
				config.EnvTraining:   trainDir,
				config.EnvValidation: valDir,
			}), logger)
			require.NoError(t, err, logs.String())

			out := logs.String()
			assert.Contains(t, out, "epoch=1/1")
			assert.Contains(t, out, "Validation loss:")
			assert.Contains(t, out, "Validation accuracy:")
			assert.Contains(t, out, "onnx parity samples=8")

			sig, err := export.ReadSignature(filepath.Join(modelDir, export.SignatureFile))
			require.NoError(t, err)
			require.Len(t, sig, 1)
			assert.Equal(t, "data", sig[0].Name)
			assert.Equal(t, tc.shape, sig[0].Shape)

			f, err := serialization.ReadFile(filepath.Join(modelDir, export.WeightsFile))
			require.NoError(t, err)
			require.NotNil(t, f.Header.Training)
			assert.GreaterOrEqual(t, f.Header.Training.Loss, 0.0)
			assert.GreaterOrEqual(t, f.Header.Training.Accuracy, 0.0)
			assert.LessOrEqual(t, f.Header.Training.Accuracy, 1.0)
			assert.Equal(t, tc.format, f.Header.Metadata[export.MetaDataFormat])

			m, err := onnx.ReadFile(filepath.Join(modelDir, export.ONNXFile))
			require.NoError(t, err)
			runID, ok := m.Metadata(export.MetaRunID)
			assert.True(t, ok)
			assert.Equal(t, f.Header.Metadata[export.MetaRunID], runID)
		})
	}
}

func TestRunConfigErrors(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)

	err := run(context.Background(), nil, env(nil), logger)
	assert.ErrorIs(t, err, config.ErrMissingEnv)

	err = run(context.Background(), []string{"--help"}, env(nil), logger)
	assert.ErrorIs(t, err, config.ErrHelp)

	err = run(context.Background(), []string{"--epochs", "0"}, env(map[string]string{
		config.EnvNumGPUs:    "0",
		config.EnvModelDir:   t.TempDir(),
		config.EnvTraining:   t.TempDir(),
		config.EnvValidation: t.TempDir(),
	}), logger)
	assert.ErrorIs(t, err, config.ErrInvalidValue)
}

func TestRunMissingData(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)
	err := run(context.Background(), []string{"--seed", "1"}, env(map[string]string{
		config.EnvNumGPUs:    "0",
		config.EnvModelDir:   t.TempDir(),
		config.EnvTraining:   t.TempDir(),
		config.EnvValidation: t.TempDir(),
	}), logger)
	assert.ErrorIs(t, err, dataset.ErrMissingFile)
}

func TestRunCancelled(t *testing.T) {
	root := t.TempDir()
	writeSplit(t, root, dataset.TrainingFile, 4, 1)
	writeSplit(t, root, dataset.ValidationFile, 2, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := run(ctx, []string{"--seed", "1", "--epochs", "3"}, env(map[string]string{
		config.EnvNumGPUs:    "0",
		config.EnvModelDir:   filepath.Join(root, "model"),
		config.EnvTraining:   root,
		config.EnvValidation: root,
	}), log.New(&bytes.Buffer{}, "", 0))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(root, "model", export.ONNXFile))
}

func TestLogSummary(t *testing.T) {
	opts := model.DefaultOptions()
	w, err := newWorker(opts, cpu.NewSerial())
	require.NoError(t, err)

	var logs bytes.Buffer
	logger := log.New(&logs, "", 0)
	logSummary(logger, w, opts.InputShape())
	assert.Contains(t, logs.String(), "conv2d_1 (Conv2D)")

	logs.Reset()
	logSummary(logger, w, tensor.Shape{3, 28, 28})
	assert.Contains(t, logs.String(), "warning: model summary failed")
}
