// Package config resolves the job's settings from command-line flags with
// environment variable fallbacks.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/born-ml/mnistjob/internal/tensor"
)

var (
	// ErrMissingEnv is returned when neither a flag nor its environment
	// variable supplies a required value.
	ErrMissingEnv = errors.New("config: missing environment variable")
	// ErrInvalidValue is returned for malformed or out-of-range values.
	ErrInvalidValue = errors.New("config: invalid value")
	// ErrHelp is returned when usage was requested.
	ErrHelp = pflag.ErrHelp
)

// now supplies the clock seed.
var now = time.Now

// Environment variables consulted when a flag is absent.
const (
	EnvNumGPUs    = "SM_NUM_GPUS"
	EnvModelDir   = "SM_MODEL_DIR"
	EnvTraining   = "SM_CHANNEL_TRAINING"
	EnvValidation = "SM_CHANNEL_VALIDATION"
	EnvDataFormat = "SM_DATA_FORMAT"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	Epochs       int
	LearningRate float64
	BatchSize    int
	GPUCount     int
	ModelDir     string
	Training     string
	Validation   string
	DataFormat   tensor.Layout
	// Seed drives initialization, shuffling and dropout. It is never
	// zero: an absent or zero seed is derived from the clock by Load.
	Seed     int64
	Shuffle  bool
	LogEvery int
}

type flags struct {
	set          *pflag.FlagSet
	epochs       *int
	learningRate *float64
	batchSize    *int
	gpuCount     *int
	modelDir     *string
	training     *string
	validation   *string
	dataFormat   *string
	seed         *int64
	shuffle      *bool
	logEvery     *int
}

func newFlags() *flags {
	fs := pflag.NewFlagSet("mnistjob", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SetOutput(io.Discard)

	return &flags{
		set:          fs,
		epochs:       fs.Int("epochs", 10, "number of training epochs"),
		learningRate: fs.Float64("learning-rate", 0.01, "initial SGD learning rate"),
		batchSize:    fs.Int("batch-size", 128, "samples per mini-batch across all devices"),
		gpuCount:     fs.Int("gpu-count", 0, "number of model replicas (env "+EnvNumGPUs+")"),
		modelDir:     fs.String("model-dir", "", "directory for exported artifacts (env "+EnvModelDir+")"),
		training:     fs.String("training", "", "directory holding training.npz (env "+EnvTraining+")"),
		validation:   fs.String("validation", "", "directory holding validation.npz (env "+EnvValidation+")"),
		dataFormat:   fs.String("data-format", tensor.ChannelsFirst.String(), "channels_first or channels_last (env "+EnvDataFormat+")"),
		seed:         fs.Int64("seed", 0, "random seed, 0 derives one from the clock"),
		shuffle:      fs.Bool("shuffle", true, "shuffle training samples every epoch"),
		logEvery:     fs.Int("log-every", 0, "log progress every N steps, 0 for per-epoch only"),
	}
}

// Usage returns the flag help text.
func Usage() string {
	return newFlags().set.FlagUsages()
}

// Load parses args (without the program name) and fills absent values
// from lookup, which defaults to os.LookupEnv. Unknown flags and
// positional arguments are ignored.
func Load(args []string, lookup func(string) (string, bool)) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	f := newFlags()
	if err := f.set.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, ErrHelp
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	cfg := &Config{
		Epochs:       *f.epochs,
		LearningRate: *f.learningRate,
		BatchSize:    *f.batchSize,
		GPUCount:     *f.gpuCount,
		Seed:         *f.seed,
		Shuffle:      *f.shuffle,
		LogEvery:     *f.logEvery,
	}
	if cfg.Seed == 0 {
		cfg.Seed = now().UnixNano()
	}

	var err error
	if !f.set.Changed("gpu-count") {
		v, err := requireEnv(lookup, EnvNumGPUs)
		if err != nil {
			return nil, err
		}
		if cfg.GPUCount, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidValue, EnvNumGPUs, v)
		}
	}
	if cfg.ModelDir, err = resolve(f, "model-dir", *f.modelDir, lookup, EnvModelDir); err != nil {
		return nil, err
	}
	if cfg.Training, err = resolve(f, "training", *f.training, lookup, EnvTraining); err != nil {
		return nil, err
	}
	if cfg.Validation, err = resolve(f, "validation", *f.validation, lookup, EnvValidation); err != nil {
		return nil, err
	}

	format := *f.dataFormat
	if v, ok := lookup(EnvDataFormat); ok && !f.set.Changed("data-format") {
		format = v
	}
	if cfg.DataFormat, err = tensor.ParseLayout(format); err != nil {
		return nil, fmt.Errorf("%w: data format: %v", ErrInvalidValue, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolve(f *flags, name, value string, lookup func(string) (string, bool), env string) (string, error) {
	if f.set.Changed(name) {
		return value, nil
	}
	return requireEnv(lookup, env)
}

func requireEnv(lookup func(string) (string, bool), env string) (string, error) {
	v, ok := lookup(env)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingEnv, env)
	}
	return v, nil
}

// Validate verifies the config is runnable. Values are rejected, never
// coerced.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidValue)
	}
	switch {
	case c.Epochs < 1:
		return fmt.Errorf("%w: epochs must be >= 1 (got %d)", ErrInvalidValue, c.Epochs)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch-size must be >= 1 (got %d)", ErrInvalidValue, c.BatchSize)
	case !(c.LearningRate > 0):
		return fmt.Errorf("%w: learning-rate must be > 0 (got %v)", ErrInvalidValue, c.LearningRate)
	case c.GPUCount < 0:
		return fmt.Errorf("%w: gpu-count must be >= 0 (got %d)", ErrInvalidValue, c.GPUCount)
	case c.LogEvery < 0:
		return fmt.Errorf("%w: log-every must be >= 0 (got %d)", ErrInvalidValue, c.LogEvery)
	case c.DataFormat != tensor.ChannelsFirst && c.DataFormat != tensor.ChannelsLast:
		return fmt.Errorf("%w: data format %d", ErrInvalidValue, c.DataFormat)
	}
	return nil
}

// Replicas returns the number of model replicas to train with. No
// accelerators means a single replica.
func (c *Config) Replicas() int {
	return max(c.GPUCount, 1)
}
