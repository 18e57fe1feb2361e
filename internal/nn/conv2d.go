package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/mnistjob/internal/tensor"
)

// Padding selects how a convolution treats the borders of its input.
type Padding int

const (
	// Valid applies the kernel only where it fits entirely.
	Valid Padding = iota
	// Same zero-pads so that a stride-1 convolution keeps the spatial size.
	Same
)

// String returns the Keras name of the padding mode.
func (p Padding) String() string {
	if p == Same {
		return "same"
	}
	return "valid"
}

// Amount returns the symmetric border width for a kernel of size k.
func (p Padding) Amount(k int) int {
	if p == Same {
		if k%2 == 0 {
			panic(fmt.Sprintf("nn: same padding needs an odd kernel, got %d", k))
		}
		return (k - 1) / 2
	}
	return 0
}

// Conv2DConfig describes a 2D convolution.
type Conv2DConfig struct {
	Name        string
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     Padding
	Layout      tensor.Layout
}

// Conv2D is a square-kernel 2D convolution with bias.
//
// The kernel is stored as [out, in, k, k] regardless of layout. For
// channels_last inputs the layer transposes to NCHW around the kernel call.
type Conv2D[B tensor.Backend] struct {
	cfg     Conv2DConfig
	weight  *Parameter[B]
	bias    *Parameter[B]
	backend B
}

// NewConv2D creates a convolution with Glorot-uniform kernel and zero bias.
func NewConv2D[B tensor.Backend](cfg Conv2DConfig, rng *rand.Rand, backend B) *Conv2D[B] {
	if cfg.Stride == 0 {
		cfg.Stride = 1
	}
	if cfg.Name == "" {
		cfg.Name = "conv2d"
	}
	k := cfg.KernelSize
	cfg.Padding.Amount(k)

	fanIn := cfg.InChannels * k * k
	fanOut := cfg.OutChannels * k * k
	w := GlorotUniform(rng, fanIn, fanOut, tensor.Shape{cfg.OutChannels, cfg.InChannels, k, k}, backend)
	b := Zeros(tensor.Shape{cfg.OutChannels}, backend)

	return &Conv2D[B]{
		cfg:     cfg,
		weight:  NewParameter("weight", w),
		bias:    NewParameter("bias", b),
		backend: backend,
	}
}

// Name returns the layer name.
func (c *Conv2D[B]) Name() string { return c.cfg.Name }

// Config returns the layer configuration.
func (c *Conv2D[B]) Config() Conv2DConfig { return c.cfg }

// Weight returns the kernel parameter.
func (c *Conv2D[B]) Weight() *Parameter[B] { return c.weight }

// Bias returns the bias parameter.
func (c *Conv2D[B]) Bias() *Parameter[B] { return c.bias }

// Forward convolves a batch in the configured layout.
func (c *Conv2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if len(input.Shape()) != 4 {
		panic(fmt.Sprintf("%s: expected 4D input, got %v", c.cfg.Name, input.Shape()))
	}

	x := input
	if c.cfg.Layout == tensor.ChannelsLast {
		x = x.Transpose(0, 3, 1, 2)
	}
	if x.Shape()[1] != c.cfg.InChannels {
		panic(fmt.Sprintf("%s: expected %d input channels, got shape %v", c.cfg.Name, c.cfg.InChannels, input.Shape()))
	}

	pad := c.cfg.Padding.Amount(c.cfg.KernelSize)
	raw := c.backend.Conv2D(x.Raw(), c.weight.Tensor().Raw(), c.cfg.Stride, pad)
	out := tensor.New[float32](raw, c.backend)

	// Bias broadcasts as [1, C, 1, 1].
	out = out.Add(c.bias.Tensor().Reshape(1, c.cfg.OutChannels, 1, 1))

	if c.cfg.Layout == tensor.ChannelsLast {
		out = out.Transpose(0, 2, 3, 1)
	}
	return out
}

// Parameters returns [weight, bias].
func (c *Conv2D[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{c.weight, c.bias}
}
