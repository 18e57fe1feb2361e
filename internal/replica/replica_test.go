package replica

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/mnistjob/internal/autodiff"
	"github.com/born-ml/mnistjob/internal/backend/cpu"
	"github.com/born-ml/mnistjob/internal/nn"
	"github.com/born-ml/mnistjob/internal/tensor"
)

func newWorker(seed int64, withBN bool) *Worker {
	b := autodiff.New(cpu.New())
	rng := rand.New(rand.NewSource(seed))
	seq := nn.NewSequential[Backend]()
	if withBN {
		seq.Add(nn.NewBatchNorm(nn.BatchNormConfig{Name: "batch_normalization_1", Channels: 4, Axis: 1}, b))
	}
	seq.Add(nn.NewLinear("dense_1", 4, 3, rng, b))
	seq.Add(nn.NewSoftmax("activation_1", b))
	return &Worker{Backend: b, Model: seq}
}

func factory(withBN bool) Factory {
	return func(index int) (*Worker, error) {
		return newWorker(int64(100+index), withBN), nil
	}
}

func batch(t *testing.T, n int) (x, y *tensor.RawTensor) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	xs := make([]float32, n*4)
	for i := range xs {
		xs[i] = float32(rng.NormFloat64())
	}
	ys := make([]float32, n*3)
	for i := 0; i < n; i++ {
		ys[i*3+i%3] = 1
	}
	x, err := tensor.FromFloat32(xs, tensor.Shape{n, 4})
	require.NoError(t, err)
	y, err = tensor.FromFloat32(ys, tensor.Shape{n, 3})
	require.NoError(t, err)
	return x, y
}

func gradsInOrder(w *Worker, res Result) [][]float32 {
	var out [][]float32
	for _, p := range w.Model.Parameters() {
		out = append(out, res.Grads[p.Tensor().Raw()].AsFloat32())
	}
	return out
}

func TestSingleIgnoresFactory(t *testing.T) {
	r, err := New(newWorker(1, false), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count())
	assert.NoError(t, r.Sync())
}

func TestDataParallelMatchesSingle(t *testing.T) {
	x, y := batch(t, 7)

	master := newWorker(1, false)
	single, err := New(master, 1, nil)
	require.NoError(t, err)
	want, err := single.Step(x, y)
	require.NoError(t, err)

	for _, count := range []int{2, 3, 8} {
		m := newWorker(1, false)
		dp, err := New(m, count, factory(false))
		require.NoError(t, err)
		assert.Equal(t, count, dp.Count())

		got, err := dp.Step(x, y)
		require.NoError(t, err)

		assert.Equal(t, want.Samples, got.Samples)
		assert.Equal(t, want.Correct, got.Correct)
		assert.InDelta(t, want.Loss, got.Loss, 1e-5)
		wg, gg := gradsInOrder(master, want), gradsInOrder(m, got)
		for i := range wg {
			assert.InDeltaSlice(t, wg[i], gg[i], 1e-5, "count=%d param=%d", count, i)
		}
	}
}

func TestSyncCopiesMasterState(t *testing.T) {
	m := newWorker(1, true)
	dp, err := New(m, 2, factory(true))
	require.NoError(t, err)

	for _, p := range m.Model.Parameters() {
		data := p.Tensor().Data()
		for i := range data {
			data[i] += 0.5
		}
	}
	require.NoError(t, dp.Sync())

	want := m.Model.StateDict()
	for _, w := range dp.(*dataParallel).workers {
		for name, got := range w.Model.StateDict() {
			assert.Equal(t, want[name].AsFloat32(), got.AsFloat32(), name)
		}
	}
}

func TestDataParallelMergesRunningStats(t *testing.T) {
	x, y := batch(t, 6)
	m := newWorker(1, true)
	dp, err := New(m, 2, factory(true))
	require.NoError(t, err)

	_, err = dp.Step(x, y)
	require.NoError(t, err)

	workers := dp.(*dataParallel).workers
	key := "batch_normalization_1.running_mean"
	a := workers[0].Model.StateDict()[key].AsFloat32()
	b := workers[1].Model.StateDict()[key].AsFloat32()
	got := m.Model.StateDict()[key].AsFloat32()
	for i := range got {
		assert.InDelta(t, (a[i]+b[i])/2, got[i], 1e-6)
	}
}

func TestStepRecoversKernelPanics(t *testing.T) {
	bad, err := tensor.FromFloat32(make([]float32, 10), tensor.Shape{2, 5})
	require.NoError(t, err)
	_, y := batch(t, 2)

	r, err := New(newWorker(1, false), 1, nil)
	require.NoError(t, err)
	_, err = r.Step(bad, y)
	assert.ErrorIs(t, err, ErrStep)

	dp, err := New(newWorker(1, false), 2, factory(false))
	require.NoError(t, err)
	_, err = dp.Step(bad, y)
	assert.ErrorIs(t, err, ErrStep)
}

func TestSplit(t *testing.T) {
	x, _ := batch(t, 5)
	parts, err := Split(x, 3)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, tensor.Shape{2, 4}, parts[0].Shape())
	assert.Equal(t, tensor.Shape{2, 4}, parts[1].Shape())
	assert.Equal(t, tensor.Shape{1, 4}, parts[2].Shape())
	assert.Equal(t, x.AsFloat32()[16:], parts[2].AsFloat32())

	few, err := Split(x, 8)
	require.NoError(t, err)
	assert.Len(t, few, 5)
}
