// Package model defines the digit classifier's fixed topology.
//
// Layers returns the topology as plain descriptors so that the builder,
// the summary and the ONNX exporter all walk the same list.
package model

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/born-ml/mnistjob/internal/nn"
	"github.com/born-ml/mnistjob/internal/tensor"
)

// ErrUnsupportedBackend is returned when a backend lacks an operation the
// topology needs.
var ErrUnsupportedBackend = errors.New("model: backend does not support the topology")

// Kind identifies a layer type by its Keras class name.
type Kind string

// Layer kinds used by the topology.
const (
	Conv2D             Kind = "Conv2D"
	BatchNormalization Kind = "BatchNormalization"
	Activation         Kind = "Activation"
	MaxPooling2D       Kind = "MaxPooling2D"
	Flatten            Kind = "Flatten"
	Dense              Kind = "Dense"
	Dropout            Kind = "Dropout"
)

// Layer describes one layer of the topology.
type Layer struct {
	Kind       Kind
	Name       string
	Filters    int        // Conv2D
	KernelSize int        // Conv2D, MaxPooling2D
	Stride     int        // MaxPooling2D
	Padding    nn.Padding // Conv2D
	Units      int        // Dense
	Rate       float64    // Dropout
	Function   string     // Activation: "relu" or "softmax"
}

// Options parameterizes the topology.
type Options struct {
	Layout   tensor.Layout
	Channels int
	Height   int
	Width    int
	Classes  int
	// Seed feeds weight initialization and dropout masks.
	Seed int64
}

// DefaultOptions returns the MNIST geometry: 1×28×28 inputs, 10 classes.
func DefaultOptions() Options {
	return Options{Layout: tensor.ChannelsFirst, Channels: 1, Height: 28, Width: 28, Classes: 10}
}

// InputShape returns the per-sample input shape in the configured layout.
func (o Options) InputShape() tensor.Shape {
	return o.Layout.SampleShape(o.Channels, o.Height, o.Width)
}

func (o Options) validate() error {
	if o.Channels < 1 || o.Height < 1 || o.Width < 1 || o.Classes < 2 {
		return fmt.Errorf("model: invalid geometry %dx%dx%d with %d classes", o.Channels, o.Height, o.Width, o.Classes)
	}
	return nil
}

// Layers returns the fixed topology:
//
//	Conv(64, 3×3, same)  → BatchNorm → ReLU → MaxPool(2×2)
//	Conv(128, 3×3, valid) → BatchNorm → ReLU → MaxPool(2×2)
//	Flatten → Dense(512) → ReLU → Dropout(0.3)
//	Dense(classes) → Softmax
func Layers(opts Options) []Layer {
	n := namer{}
	return []Layer{
		{Kind: Conv2D, Name: n.next("conv2d"), Filters: 64, KernelSize: 3, Padding: nn.Same},
		{Kind: BatchNormalization, Name: n.next("batch_normalization")},
		{Kind: Activation, Name: n.next("activation"), Function: "relu"},
		{Kind: MaxPooling2D, Name: n.next("max_pooling2d"), KernelSize: 2, Stride: 2},

		{Kind: Conv2D, Name: n.next("conv2d"), Filters: 128, KernelSize: 3, Padding: nn.Valid},
		{Kind: BatchNormalization, Name: n.next("batch_normalization")},
		{Kind: Activation, Name: n.next("activation"), Function: "relu"},
		{Kind: MaxPooling2D, Name: n.next("max_pooling2d"), KernelSize: 2, Stride: 2},

		{Kind: Flatten, Name: n.next("flatten")},
		{Kind: Dense, Name: n.next("dense"), Units: 512},
		{Kind: Activation, Name: n.next("activation"), Function: "relu"},
		{Kind: Dropout, Name: n.next("dropout"), Rate: 0.3},

		{Kind: Dense, Name: n.next("dense"), Units: opts.Classes},
		{Kind: Activation, Name: n.next("activation"), Function: "softmax"},
	}
}

// namer hands out Keras-style per-type names: conv2d_1, conv2d_2, ...
type namer map[string]int

func (n namer) next(prefix string) string {
	n[prefix]++
	return fmt.Sprintf("%s_%d", prefix, n[prefix])
}

// Build assembles the topology on backend.
func Build[B tensor.Backend](opts Options, backend B) (*nn.Sequential[B], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := supports(backend); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	seq := nn.NewSequential[B]()
	c, h, w := opts.Channels, opts.Height, opts.Width
	features := 0

	for _, l := range Layers(opts) {
		switch l.Kind {
		case Conv2D:
			seq.Add(nn.NewConv2D(nn.Conv2DConfig{
				Name:        l.Name,
				InChannels:  c,
				OutChannels: l.Filters,
				KernelSize:  l.KernelSize,
				Stride:      1,
				Padding:     l.Padding,
				Layout:      opts.Layout,
			}, rng, backend))
			pad := l.Padding.Amount(l.KernelSize)
			c, h, w = l.Filters, h+2*pad-l.KernelSize+1, w+2*pad-l.KernelSize+1
		case BatchNormalization:
			seq.Add(nn.NewBatchNorm(nn.BatchNormConfig{Name: l.Name, Channels: c, Axis: opts.Layout.ChannelAxis()}, backend))
		case Activation:
			if l.Function == "softmax" {
				seq.Add(nn.NewSoftmax(l.Name, backend))
			} else {
				seq.Add(nn.NewReLU(l.Name, backend))
			}
		case MaxPooling2D:
			seq.Add(nn.NewMaxPool2D(l.Name, l.KernelSize, l.Stride, opts.Layout, backend))
			h, w = (h-l.KernelSize)/l.Stride+1, (w-l.KernelSize)/l.Stride+1
		case Flatten:
			seq.Add(nn.NewFlatten[B](l.Name))
			features = c * h * w
		case Dense:
			seq.Add(nn.NewLinear(l.Name, features, l.Units, rng, backend))
			features = l.Units
		case Dropout:
			seq.Add(nn.NewDropout(l.Name, l.Rate, rng, backend))
		default:
			return nil, fmt.Errorf("model: unknown layer kind %q", l.Kind)
		}
		if h < 1 || w < 1 {
			return nil, fmt.Errorf("model: input %dx%d too small for layer %s", opts.Height, opts.Width, l.Name)
		}
	}
	return seq, nil
}

func supports[B tensor.Backend](backend B) error {
	b := any(backend)
	if _, ok := b.(nn.ReLUBackend); !ok {
		return fmt.Errorf("%w: %s has no ReLU", ErrUnsupportedBackend, backend.Name())
	}
	if _, ok := b.(nn.SoftmaxBackend); !ok {
		return fmt.Errorf("%w: %s has no Softmax", ErrUnsupportedBackend, backend.Name())
	}
	if _, ok := b.(nn.BatchNormBackend); !ok {
		return fmt.Errorf("%w: %s has no BatchNorm", ErrUnsupportedBackend, backend.Name())
	}
	return nil
}
