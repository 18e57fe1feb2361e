package nn

import (
	"fmt"

	"github.com/born-ml/mnistjob/internal/autodiff/ops"
	"github.com/born-ml/mnistjob/internal/tensor"
)

// Keras BatchNormalization defaults.
const (
	DefaultBatchNormMomentum = 0.99
	DefaultBatchNormEpsilon  = 1e-3
)

// BatchNormConfig describes a batch normalization layer.
type BatchNormConfig struct {
	Name     string
	Channels int
	Axis     int
	Momentum float32
	Epsilon  float32
}

// BatchNorm normalizes along the channel axis.
//
// In training mode it uses the batch statistics and folds them into the
// running averages as running = m*running + (1-m)*batch. In inference mode
// it uses the running averages.
type BatchNorm[B tensor.Backend] struct {
	cfg         BatchNormConfig
	gamma       *Parameter[B]
	beta        *Parameter[B]
	runningMean *tensor.RawTensor
	runningVar  *tensor.RawTensor
	training    bool
	backend     B
	ops         BatchNormBackend
}

// NewBatchNorm creates a layer with gamma=1, beta=0, running mean 0 and
// running variance 1.
func NewBatchNorm[B tensor.Backend](cfg BatchNormConfig, backend B) *BatchNorm[B] {
	if cfg.Name == "" {
		cfg.Name = "batch_normalization"
	}
	if cfg.Momentum == 0 {
		cfg.Momentum = DefaultBatchNormMomentum
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = DefaultBatchNormEpsilon
	}
	shape := tensor.Shape{cfg.Channels}
	return &BatchNorm[B]{
		cfg:         cfg,
		gamma:       NewParameter("gamma", Ones(shape, backend)),
		beta:        NewParameter("beta", Zeros(shape, backend)),
		runningMean: Zeros(shape, backend).Raw(),
		runningVar:  Ones(shape, backend).Raw(),
		training:    true,
		backend:     backend,
		ops:         capability[BatchNormBackend](backend, "BatchNorm"),
	}
}

// Name returns the layer name.
func (bn *BatchNorm[B]) Name() string { return bn.cfg.Name }

// Config returns the layer configuration.
func (bn *BatchNorm[B]) Config() BatchNormConfig { return bn.cfg }

// Gamma returns the scale parameter.
func (bn *BatchNorm[B]) Gamma() *Parameter[B] { return bn.gamma }

// Beta returns the shift parameter.
func (bn *BatchNorm[B]) Beta() *Parameter[B] { return bn.beta }

// RunningMean returns the moving mean buffer.
func (bn *BatchNorm[B]) RunningMean() *tensor.RawTensor { return bn.runningMean }

// RunningVar returns the moving variance buffer.
func (bn *BatchNorm[B]) RunningVar() *tensor.RawTensor { return bn.runningVar }

// SetTraining switches between batch and running statistics.
func (bn *BatchNorm[B]) SetTraining(training bool) { bn.training = training }

// Forward normalizes the batch.
func (bn *BatchNorm[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if bn.cfg.Axis >= len(shape) || shape[bn.cfg.Axis] != bn.cfg.Channels {
		panic(fmt.Sprintf("%s: expected %d channels on axis %d, got shape %v", bn.cfg.Name, bn.cfg.Channels, bn.cfg.Axis, shape))
	}

	var mean, variance []float32
	if bn.training {
		mean, variance = ops.ChannelMoments(input.Raw(), bn.cfg.Axis)
		m := bn.cfg.Momentum
		rm, rv := bn.runningMean.AsFloat32(), bn.runningVar.AsFloat32()
		for c := range rm {
			rm[c] = m*rm[c] + (1-m)*mean[c]
			rv[c] = m*rv[c] + (1-m)*variance[c]
		}
	} else {
		mean = bn.runningMean.AsFloat32()
		variance = bn.runningVar.AsFloat32()
	}

	raw := bn.ops.BatchNorm(input.Raw(), bn.gamma.Tensor().Raw(), bn.beta.Tensor().Raw(),
		bn.cfg.Axis, mean, variance, bn.cfg.Epsilon, bn.training)
	return tensor.New[float32](raw, bn.backend)
}

// Parameters returns [gamma, beta].
func (bn *BatchNorm[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{bn.gamma, bn.beta}
}

// StateDict returns the parameters and running statistics.
func (bn *BatchNorm[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"gamma":        bn.gamma.Tensor().Raw(),
		"beta":         bn.beta.Tensor().Raw(),
		"running_mean": bn.runningMean,
		"running_var":  bn.runningVar,
	}
}

// LoadStateDict copies state into the layer's tensors.
func (bn *BatchNorm[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	return loadInto(bn.StateDict(), state)
}
