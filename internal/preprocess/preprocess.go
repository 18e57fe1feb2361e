// Package preprocess turns raw dataset arrays into model-ready inputs and
// one-hot targets.
//
// Every step is idempotent: running Prepare on its own output changes
// nothing.
package preprocess

import (
	"errors"
	"fmt"
	"math"

	"github.com/born-ml/mnistjob/internal/dataset"
	"github.com/born-ml/mnistjob/internal/tensor"
)

var (
	// ErrUnsupportedLayout is returned for images whose rank or channel
	// placement cannot be interpreted.
	ErrUnsupportedLayout = errors.New("preprocess: unsupported layout")
	// ErrShapeMismatch is returned when images do not match the expected
	// geometry.
	ErrShapeMismatch = errors.New("preprocess: shape mismatch")
	// ErrLabelOutOfRange is returned for labels that are not class ids in
	// [0, classes) or rows that are not one-hot.
	ErrLabelOutOfRange = errors.New("preprocess: label out of range")
)

// Geometry is the per-sample image size.
type Geometry struct {
	Channels int
	Height   int
	Width    int
}

// MNIST is the 1×28×28 digit geometry.
var MNIST = Geometry{Channels: 1, Height: 28, Width: 28}

// Reshape arranges images [N,H,W], [N,H,W,C] or [N,C,H,W] into the
// requested layout, transposing when the source order differs.
func Reshape(images dataset.Array, layout tensor.Layout, g Geometry) (dataset.Array, error) {
	if layout != tensor.ChannelsFirst && layout != tensor.ChannelsLast {
		return dataset.Array{}, fmt.Errorf("%w: %v", ErrUnsupportedLayout, layout)
	}
	if len(images.Data) != shapeSize(images.Shape) {
		return dataset.Array{}, fmt.Errorf("%w: shape %v holds %d values, have %d", ErrShapeMismatch, images.Shape, shapeSize(images.Shape), len(images.Data))
	}

	s := images.Shape
	var srcLast bool
	switch {
	case len(s) == 3:
		if g.Channels != 1 {
			return dataset.Array{}, fmt.Errorf("%w: rank-3 images %v carry no channel axis but %d channels are expected", ErrShapeMismatch, s, g.Channels)
		}
		if s[1] != g.Height || s[2] != g.Width {
			return dataset.Array{}, fmt.Errorf("%w: images %v, want [N %d %d]", ErrShapeMismatch, s, g.Height, g.Width)
		}
		// Without a channel axis both layouts share one memory order.
		out := images
		out.Shape = append([]int{s[0]}, layout.SampleShape(1, g.Height, g.Width)...)
		return out, nil
	case len(s) == 4 && s[1] == g.Height && s[2] == g.Width && s[3] == g.Channels:
		srcLast = true
	case len(s) == 4 && s[1] == g.Channels && s[2] == g.Height && s[3] == g.Width:
		srcLast = false
	case len(s) == 4:
		return dataset.Array{}, fmt.Errorf("%w: images %v match neither [N %d %d %d] nor [N %d %d %d]",
			ErrShapeMismatch, s, g.Height, g.Width, g.Channels, g.Channels, g.Height, g.Width)
	default:
		return dataset.Array{}, fmt.Errorf("%w: images must have rank 3 or 4, got %v", ErrUnsupportedLayout, s)
	}

	wantLast := layout == tensor.ChannelsLast
	if srcLast == wantLast {
		return images, nil
	}

	n, c, hw := s[0], g.Channels, g.Height*g.Width
	out := dataset.Array{
		Shape:    append([]int{n}, layout.SampleShape(c, g.Height, g.Width)...),
		Data:     make([]float32, len(images.Data)),
		Integral: images.Integral,
	}
	for i := 0; i < n; i++ {
		src := images.Data[i*c*hw : (i+1)*c*hw]
		dst := out.Data[i*c*hw : (i+1)*c*hw]
		for p := 0; p < hw; p++ {
			for ch := 0; ch < c; ch++ {
				if srcLast {
					dst[ch*hw+p] = src[p*c+ch]
				} else {
					dst[p*c+ch] = src[ch*hw+p]
				}
			}
		}
	}
	return out, nil
}

func shapeSize(s []int) int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Normalize scales pixel intensities into [0, 1]. Integral arrays are
// divided by 255. Float arrays are divided by 255 only if their maximum
// exceeds 1, so already-normalized data passes through unchanged.
func Normalize(images dataset.Array) dataset.Array {
	scale := images.Integral
	if !scale {
		for _, v := range images.Data {
			if v > 1 {
				scale = true
				break
			}
		}
	}

	out := dataset.Array{Shape: append([]int(nil), images.Shape...), Data: images.Data}
	if scale {
		out.Data = make([]float32, len(images.Data))
		for i, v := range images.Data {
			out.Data[i] = v / 255
		}
	}
	return out
}

// OneHot expands class ids [N] into [N, classes] one-hot rows. A rank-2
// input is validated as one-hot and returned unchanged.
func OneHot(labels dataset.Array, classes int) (dataset.Array, error) {
	switch len(labels.Shape) {
	case 1:
	case 2:
		if labels.Shape[1] != classes {
			return dataset.Array{}, fmt.Errorf("%w: one-hot labels %v, want %d classes", ErrLabelOutOfRange, labels.Shape, classes)
		}
		for i := 0; i < labels.Shape[0]; i++ {
			if !isOneHot(labels.Data[i*classes : (i+1)*classes]) {
				return dataset.Array{}, fmt.Errorf("%w: row %d is not one-hot", ErrLabelOutOfRange, i)
			}
		}
		return dataset.Array{Shape: append([]int(nil), labels.Shape...), Data: labels.Data}, nil
	default:
		return dataset.Array{}, fmt.Errorf("%w: labels must have rank 1 or 2, got %v", ErrLabelOutOfRange, labels.Shape)
	}

	n := labels.Shape[0]
	out := dataset.Array{Shape: []int{n, classes}, Data: make([]float32, n*classes)}
	for i, v := range labels.Data {
		id := int(v)
		if float32(id) != v || id < 0 || id >= classes || math.IsNaN(float64(v)) {
			return dataset.Array{}, fmt.Errorf("%w: label %d is %v, want an integer in [0, %d)", ErrLabelOutOfRange, i, v, classes)
		}
		out.Data[i*classes+id] = 1
	}
	return out, nil
}

func isOneHot(row []float32) bool {
	ones := 0
	for _, v := range row {
		switch v {
		case 0:
		case 1:
			ones++
		default:
			return false
		}
	}
	return ones == 1
}

// Argmax returns the class of each one-hot row.
func Argmax(onehot dataset.Array) []int {
	n, k := onehot.Shape[0], onehot.Shape[1]
	out := make([]int, n)
	for i := 0; i < n; i++ {
		row := onehot.Data[i*k : (i+1)*k]
		for j, v := range row {
			if v > row[out[i]] {
				out[i] = j
			}
		}
	}
	return out
}

// Options configures Prepare.
type Options struct {
	Layout   tensor.Layout
	Geometry Geometry
	Classes  int
}

// DefaultOptions returns MNIST settings in channels_first layout.
func DefaultOptions() Options {
	return Options{Layout: tensor.ChannelsFirst, Geometry: MNIST, Classes: 10}
}

// Prepared holds model inputs X and one-hot targets Y.
type Prepared struct {
	X      dataset.Array
	Y      dataset.Array
	Layout tensor.Layout
	Geometry
}

// Len returns the number of samples.
func (p *Prepared) Len() int {
	return p.X.Len()
}

// InputShape returns the per-sample input shape, without the batch axis.
func (p *Prepared) InputShape() tensor.Shape {
	return p.Layout.SampleShape(p.Channels, p.Height, p.Width)
}

// Inputs returns X as a tensor.
func (p *Prepared) Inputs() (*tensor.RawTensor, error) {
	return tensor.FromFloat32(p.X.Data, p.X.Shape)
}

// Targets returns Y as a tensor.
func (p *Prepared) Targets() (*tensor.RawTensor, error) {
	return tensor.FromFloat32(p.Y.Data, p.Y.Shape)
}

// Prepare reshapes, normalizes and one-hot encodes a dataset.
func Prepare(ds *dataset.Dataset, opts Options) (*Prepared, error) {
	if ds.Images.Len() != ds.Labels.Len() {
		return nil, fmt.Errorf("%w: %d images but %d labels", ErrShapeMismatch, ds.Images.Len(), ds.Labels.Len())
	}
	x, err := Reshape(ds.Images, opts.Layout, opts.Geometry)
	if err != nil {
		return nil, err
	}
	y, err := OneHot(ds.Labels, opts.Classes)
	if err != nil {
		return nil, err
	}
	return &Prepared{X: Normalize(x), Y: y, Layout: opts.Layout, Geometry: opts.Geometry}, nil
}
