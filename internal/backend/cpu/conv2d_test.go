package cpu_test

import (
	"math/rand"
	"testing"

	"github.com/born-ml/mnistjob/internal/backend/cpu"
	"github.com/born-ml/mnistjob/internal/tensor"
	"github.com/stretchr/testify/assert"
)

func TestConv2D_KnownOutput(t *testing.T) {
	b := cpu.New()

	// 1x1x3x3 input, 1x1x2x2 kernel of ones: each output is a window sum.
	input := raw(t, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, 1, 1, 3, 3)
	kernel := raw(t, []float32{1, 1, 1, 1}, 1, 1, 2, 2)

	out := b.Conv2D(input, kernel, 1, 0)
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{12, 16, 24, 28}, out.AsFloat32())
}

func TestConv2D_SamePaddingKeepsSize(t *testing.T) {
	b := cpu.New()
	rng := rand.New(rand.NewSource(3))
	input := randomRaw(rng, 2, 1, 28, 28)
	kernel := randomRaw(rng, 4, 1, 3, 3)

	out := b.Conv2D(input, kernel, 1, 1)
	assert.Equal(t, tensor.Shape{2, 4, 28, 28}, out.Shape())

	valid := b.Conv2D(input, kernel, 1, 0)
	assert.Equal(t, tensor.Shape{2, 4, 26, 26}, valid.Shape())
}

func TestConv2D_ChannelMismatchPanics(t *testing.T) {
	b := cpu.New()
	rng := rand.New(rand.NewSource(3))
	assert.Panics(t, func() {
		b.Conv2D(randomRaw(rng, 1, 2, 4, 4), randomRaw(rng, 1, 3, 3, 3), 1, 0)
	})
}

// lossOf returns Σ conv(x, k) · r, whose gradients are the backward kernels
// evaluated at outputGrad = r.
func lossOf(b *cpu.CPUBackend, x, k, r *tensor.RawTensor, padding int) float64 {
	out := b.Conv2D(x, k, 1, padding).AsFloat32()
	var sum float64
	for i, v := range out {
		sum += float64(v * r.AsFloat32()[i])
	}
	return sum
}

func TestConv2D_BackwardMatchesFiniteDifferences(t *testing.T) {
	b := cpu.New()
	rng := rand.New(rand.NewSource(7))

	for _, padding := range []int{0, 1} {
		x := randomRaw(rng, 2, 2, 5, 5)
		k := randomRaw(rng, 3, 2, 3, 3)
		out := b.Conv2D(x, k, 1, padding)
		r := randomRaw(rng, []int(out.Shape())...)

		dx := b.Conv2DInputBackward(x, k, r, 1, padding).AsFloat32()
		dk := b.Conv2DKernelBackward(x, k, r, 1, padding).AsFloat32()

		const eps = 1e-2
		for _, i := range []int{0, 7, 24, 31, 49} {
			xd := x.AsFloat32()
			orig := xd[i]
			xd[i] = orig + eps
			plus := lossOf(b, x, k, r, padding)
			xd[i] = orig - eps
			minus := lossOf(b, x, k, r, padding)
			xd[i] = orig
			assert.InDelta(t, (plus-minus)/(2*eps), dx[i], 2e-2, "dx[%d] padding=%d", i, padding)
		}
		for _, i := range []int{0, 5, 17, 40, 53} {
			kd := k.AsFloat32()
			orig := kd[i]
			kd[i] = orig + eps
			plus := lossOf(b, x, k, r, padding)
			kd[i] = orig - eps
			minus := lossOf(b, x, k, r, padding)
			kd[i] = orig
			assert.InDelta(t, (plus-minus)/(2*eps), dk[i], 2e-2, "dk[%d] padding=%d", i, padding)
		}
	}
}

func TestMaxPool2D_ForwardAndBackward(t *testing.T) {
	b := cpu.New()
	data := make([]float32, 16)
	for i := range data {
		data[i] = float32(i + 1)
	}
	input := raw(t, data, 1, 1, 4, 4)

	out := b.MaxPool2D(input, 2, 2)
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{6, 8, 14, 16}, out.AsFloat32())

	grad := raw(t, []float32{1, 2, 3, 4}, 1, 1, 2, 2)
	dx := b.MaxPool2DBackward(input, grad, []int{5, 7, 13, 15}, 2, 2).AsFloat32()
	want := make([]float32, 16)
	want[5], want[7], want[13], want[15] = 1, 2, 3, 4
	assert.Equal(t, want, dx)
}

func TestMaxPool2D_OddSizeDropsEdge(t *testing.T) {
	b := cpu.New()
	rng := rand.New(rand.NewSource(1))
	out := b.MaxPool2D(randomRaw(rng, 1, 2, 13, 13), 2, 2)
	assert.Equal(t, tensor.Shape{1, 2, 6, 6}, out.Shape())
}
