package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/mnistjob/internal/tensor"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func fullEnv() map[string]string {
	return map[string]string{
		EnvNumGPUs:    "2",
		EnvModelDir:   "/opt/ml/model",
		EnvTraining:   "/opt/ml/input/data/training",
		EnvValidation: "/opt/ml/input/data/validation",
	}
}

// fixClock pins the clock seed for the duration of a test.
func fixClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func TestLoadDefaultsFromEnv(t *testing.T) {
	at := time.Unix(1700000000, 42)
	fixClock(t, at)
	cfg, err := Load(nil, env(fullEnv()))
	require.NoError(t, err)

	assert.Equal(t, &Config{
		Epochs:       10,
		LearningRate: 0.01,
		BatchSize:    128,
		GPUCount:     2,
		ModelDir:     "/opt/ml/model",
		Training:     "/opt/ml/input/data/training",
		Validation:   "/opt/ml/input/data/validation",
		DataFormat:   tensor.ChannelsFirst,
		Seed:         at.UnixNano(),
		Shuffle:      true,
	}, cfg)
	assert.Equal(t, 2, cfg.Replicas())
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	args := []string{
		"--epochs", "3",
		"--learning-rate=0.05",
		"--batch-size", "32",
		"--gpu-count", "0",
		"--model-dir", "/tmp/model",
		"--training", "/tmp/train",
		"--validation", "/tmp/val",
		"--data-format", "channels_last",
		"--seed", "7",
		"--shuffle=false",
	}
	cfg, err := Load(args, env(fullEnv()))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Epochs)
	assert.Equal(t, 0.05, cfg.LearningRate)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, 0, cfg.GPUCount)
	assert.Equal(t, 1, cfg.Replicas())
	assert.Equal(t, "/tmp/model", cfg.ModelDir)
	assert.Equal(t, "/tmp/train", cfg.Training)
	assert.Equal(t, "/tmp/val", cfg.Validation)
	assert.Equal(t, tensor.ChannelsLast, cfg.DataFormat)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.False(t, cfg.Shuffle)
}

func TestLoadZeroSeedUsesClock(t *testing.T) {
	at := time.Unix(1700000001, 0)
	fixClock(t, at)

	cfg, err := Load([]string{"--seed", "0"}, env(fullEnv()))
	require.NoError(t, err)
	assert.Equal(t, at.UnixNano(), cfg.Seed)

	cfg, err = Load([]string{"--seed", "-3"}, env(fullEnv()))
	require.NoError(t, err)
	assert.Equal(t, int64(-3), cfg.Seed)
}

func TestLoadFlagsWithoutEnv(t *testing.T) {
	args := []string{"--gpu-count=1", "--model-dir=m", "--training=t", "--validation=v"}
	cfg, err := Load(args, env(nil))
	require.NoError(t, err)
	assert.Equal(t, "m", cfg.ModelDir)
}

func TestLoadDataFormatFromEnv(t *testing.T) {
	vars := fullEnv()
	vars[EnvDataFormat] = "channels_last"
	cfg, err := Load(nil, env(vars))
	require.NoError(t, err)
	assert.Equal(t, tensor.ChannelsLast, cfg.DataFormat)

	cfg, err = Load([]string{"--data-format", "channels_first"}, env(vars))
	require.NoError(t, err)
	assert.Equal(t, tensor.ChannelsFirst, cfg.DataFormat)
}

func TestLoadIgnoresUnknownArguments(t *testing.T) {
	cfg, err := Load([]string{"train", "--unknown-flag", "x", "--epochs", "2", "extra"}, env(fullEnv()))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Epochs)
}

func TestLoadMissingEnv(t *testing.T) {
	for _, name := range []string{EnvNumGPUs, EnvModelDir, EnvTraining, EnvValidation} {
		vars := fullEnv()
		delete(vars, name)
		_, err := Load(nil, env(vars))
		require.ErrorIs(t, err, ErrMissingEnv, name)
		assert.Contains(t, err.Error(), name)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	cases := map[string][]string{
		"zero epochs":       {"--epochs", "0"},
		"negative epochs":   {"--epochs", "-1"},
		"zero batch":        {"--batch-size", "0"},
		"zero lr":           {"--learning-rate", "0"},
		"negative gpus":     {"--gpu-count", "-2"},
		"malformed epochs":  {"--epochs", "ten"},
		"unknown format":    {"--data-format", "channels_middle"},
		"negative interval": {"--log-every", "-1"},
	}
	for name, args := range cases {
		_, err := Load(args, env(fullEnv()))
		assert.ErrorIs(t, err, ErrInvalidValue, name)
	}

	vars := fullEnv()
	vars[EnvNumGPUs] = "many"
	_, err := Load(nil, env(vars))
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestLoadHelp(t *testing.T) {
	_, err := Load([]string{"--help"}, env(fullEnv()))
	assert.ErrorIs(t, err, ErrHelp)
	assert.Contains(t, Usage(), "--learning-rate")
}
