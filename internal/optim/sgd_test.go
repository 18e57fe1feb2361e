package optim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/mnistjob/internal/autodiff"
	"github.com/born-ml/mnistjob/internal/backend/cpu"
	"github.com/born-ml/mnistjob/internal/nn"
	"github.com/born-ml/mnistjob/internal/tensor"
)

type testBackend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

func newParam(t *testing.T, values ...float32) *nn.Parameter[testBackend] {
	t.Helper()
	b := autodiff.New(cpu.New())
	x, err := tensor.FromSlice(values, tensor.Shape{len(values)}, b)
	require.NoError(t, err)
	return nn.NewParameter("w", x)
}

func gradsFor(t *testing.T, p *nn.Parameter[testBackend], values ...float32) map[*tensor.RawTensor]*tensor.RawTensor {
	t.Helper()
	g, err := tensor.FromFloat32(values, tensor.Shape{len(values)})
	require.NoError(t, err)
	return map[*tensor.RawTensor]*tensor.RawTensor{p.Tensor().Raw(): g}
}

// reference replays the Keras 2 SGD rule in float64.
func reference(lr, decay, momentum float64, nesterov bool, p float64, grads []float64) float64 {
	v := 0.0
	for it, g := range grads {
		lrT := lr / (1 + decay*float64(it))
		v = momentum*v - lrT*g
		if nesterov {
			p += momentum*v - lrT*g
		} else {
			p += v
		}
	}
	return p
}

func TestSGDMatchesKerasRule(t *testing.T) {
	grads := []float64{0.5, -0.25, 1.0, 0.75, -2.0}

	for _, nesterov := range []bool{false, true} {
		p := newParam(t, 1)
		opt, err := NewSGD([]*nn.Parameter[testBackend]{p}, SGDConfig{LR: 0.1, Decay: 0.01, Momentum: 0.9, Nesterov: nesterov})
		require.NoError(t, err)

		for _, g := range grads {
			opt.Step(gradsFor(t, p, float32(g)))
		}
		want := reference(0.1, 0.01, 0.9, nesterov, 1, grads)
		assert.InDelta(t, want, p.Tensor().Data()[0], 1e-5, "nesterov=%v", nesterov)
		assert.EqualValues(t, len(grads), opt.Iterations())
	}
}

func TestSGDFirstNesterovStep(t *testing.T) {
	p := newParam(t, 1, 2)
	opt, err := NewSGD([]*nn.Parameter[testBackend]{p}, SGDConfig{LR: 0.01, Decay: 1e-6, Momentum: 0.9, Nesterov: true})
	require.NoError(t, err)

	opt.Step(gradsFor(t, p, 1, -1))
	// v = -0.01 g, p += 0.9 v - 0.01 g = -0.019 g
	assert.InDeltaSlice(t, []float32{1 - 0.019, 2 + 0.019}, p.Tensor().Data(), 1e-6)
}

func TestSGDDecay(t *testing.T) {
	p := newParam(t, 0)
	opt, err := NewSGD([]*nn.Parameter[testBackend]{p}, SGDConfig{LR: 1, Decay: 0.5})
	require.NoError(t, err)

	assert.InDelta(t, 1, opt.GetLR(), 1e-7)
	opt.Step(nil)
	assert.InDelta(t, 1/1.5, opt.GetLR(), 1e-7)
	opt.Step(nil)
	assert.InDelta(t, 0.5, opt.GetLR(), 1e-7)
	assert.Equal(t, []float32{0}, p.Tensor().Data())
}

func TestSGDKeepsParameterIdentity(t *testing.T) {
	p := newParam(t, 3)
	raw := p.Tensor().Raw()
	opt, err := NewSGD([]*nn.Parameter[testBackend]{p}, SGDConfig{LR: 0.5})
	require.NoError(t, err)

	opt.Step(gradsFor(t, p, 2))
	assert.Same(t, raw, p.Tensor().Raw())
	assert.Equal(t, []float32{2}, p.Tensor().Data())
}

func TestSGDInvalidConfig(t *testing.T) {
	for name, cfg := range map[string]SGDConfig{
		"zero lr":        {LR: 0},
		"nan lr":         {LR: float32(math.NaN())},
		"negative decay": {LR: 1, Decay: -1},
		"momentum one":   {LR: 1, Momentum: 1},
	} {
		_, err := NewSGD[testBackend](nil, cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig, name)
	}
}

func TestSGDStateDictRoundTrip(t *testing.T) {
	cfg := SGDConfig{LR: 0.1, Momentum: 0.9, Nesterov: true}
	p := newParam(t, 1, 1)
	opt, err := NewSGD([]*nn.Parameter[testBackend]{p}, cfg)
	require.NoError(t, err)
	opt.Step(gradsFor(t, p, 1, 2))
	opt.Step(gradsFor(t, p, 1, 2))

	q := newParam(t, 1, 1)
	restored, err := NewSGD([]*nn.Parameter[testBackend]{q}, cfg)
	require.NoError(t, err)
	require.NoError(t, restored.LoadStateDict(opt.StateDict()))
	assert.Equal(t, opt.Iterations(), restored.Iterations())
	assert.Equal(t, opt.velocities, restored.velocities)

	assert.ErrorIs(t, restored.LoadStateDict(map[string]*tensor.RawTensor{}), ErrInvalidConfig)
}
