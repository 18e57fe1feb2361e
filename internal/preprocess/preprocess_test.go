package preprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/mnistjob/internal/dataset"
	"github.com/born-ml/mnistjob/internal/tensor"
)

var tiny = Geometry{Channels: 2, Height: 2, Width: 3}

// nhwc returns two samples of tiny geometry in [N,H,W,C] order where each
// value encodes its sample, row, column and channel.
func nhwc() dataset.Array {
	a := dataset.Array{Shape: []int{2, 2, 3, 2}, Integral: true}
	for n := 0; n < 2; n++ {
		for h := 0; h < 2; h++ {
			for w := 0; w < 3; w++ {
				for c := 0; c < 2; c++ {
					a.Data = append(a.Data, float32(n*100+h*10+w+c*50))
				}
			}
		}
	}
	return a
}

func TestReshapeTransposes(t *testing.T) {
	first, err := Reshape(nhwc(), tensor.ChannelsFirst, tiny)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2, 3}, first.Shape)
	// Sample 0, channel 1, row 1, column 2.
	assert.Equal(t, float32(0+10+2+50), first.Data[1*6+1*3+2])
	assert.True(t, first.Integral)

	back, err := Reshape(first, tensor.ChannelsLast, tiny)
	require.NoError(t, err)
	assert.Equal(t, nhwc(), back)

	same, err := Reshape(first, tensor.ChannelsFirst, tiny)
	require.NoError(t, err)
	assert.Equal(t, first, same)
}

func TestReshapeRank3(t *testing.T) {
	images := dataset.Array{Shape: []int{3, 28, 28}, Data: make([]float32, 3*28*28), Integral: true}

	first, err := Reshape(images, tensor.ChannelsFirst, MNIST)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 28, 28}, first.Shape)

	last, err := Reshape(images, tensor.ChannelsLast, MNIST)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 28, 28, 1}, last.Shape)

	_, err = Reshape(images, tensor.ChannelsFirst, tiny)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestReshapeErrors(t *testing.T) {
	_, err := Reshape(dataset.Array{Shape: []int{4, 784}, Data: make([]float32, 4*784)}, tensor.ChannelsFirst, MNIST)
	assert.ErrorIs(t, err, ErrUnsupportedLayout)

	_, err = Reshape(dataset.Array{Shape: []int{1, 3, 28, 28}, Data: make([]float32, 3*784)}, tensor.ChannelsFirst, MNIST)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Reshape(dataset.Array{Shape: []int{1, 28, 28}, Data: make([]float32, 10)}, tensor.ChannelsFirst, MNIST)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Reshape(dataset.Array{Shape: []int{1, 28, 28}, Data: make([]float32, 784)}, tensor.Layout(7), MNIST)
	assert.ErrorIs(t, err, ErrUnsupportedLayout)
}

func TestNormalize(t *testing.T) {
	raw := dataset.Array{Shape: []int{3}, Data: []float32{0, 51, 255}, Integral: true}
	got := Normalize(raw)
	assert.InDeltaSlice(t, []float32{0, 0.2, 1}, got.Data, 1e-7)
	assert.False(t, got.Integral)
	assert.Equal(t, []float32{0, 51, 255}, raw.Data)

	assert.Equal(t, got, Normalize(got))

	floats := dataset.Array{Shape: []int{2}, Data: []float32{0, 127.5}}
	assert.InDeltaSlice(t, []float32{0, 0.5}, Normalize(floats).Data, 1e-7)
}

func TestOneHotRoundTrip(t *testing.T) {
	labels := dataset.Array{Shape: []int{10}, Integral: true}
	for i := 0; i < 10; i++ {
		labels.Data = append(labels.Data, float32(9-i))
	}
	onehot, err := OneHot(labels, 10)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10}, onehot.Shape)
	assert.Equal(t, []int{9, 8, 7, 6, 5, 4, 3, 2, 1, 0}, Argmax(onehot))

	again, err := OneHot(onehot, 10)
	require.NoError(t, err)
	assert.Equal(t, onehot, again)
}

func TestOneHotRejects(t *testing.T) {
	for name, labels := range map[string]dataset.Array{
		"negative":   {Shape: []int{1}, Data: []float32{-1}},
		"too large":  {Shape: []int{1}, Data: []float32{10}},
		"fractional": {Shape: []int{1}, Data: []float32{2.5}},
		"not onehot": {Shape: []int{1, 10}, Data: []float32{1, 1, 0, 0, 0, 0, 0, 0, 0, 0}},
		"wrong rank": {Shape: []int{1, 1, 1}, Data: []float32{0}},
		"wrong cols": {Shape: []int{1, 3}, Data: []float32{0, 1, 0}},
	} {
		_, err := OneHot(labels, 10)
		assert.ErrorIs(t, err, ErrLabelOutOfRange, name)
	}
}

func TestPrepareIsIdempotent(t *testing.T) {
	for _, layout := range []tensor.Layout{tensor.ChannelsFirst, tensor.ChannelsLast} {
		opts := Options{Layout: layout, Geometry: tiny, Classes: 3}
		ds := &dataset.Dataset{
			Images: nhwc(),
			Labels: dataset.Array{Shape: []int{2}, Data: []float32{2, 0}, Integral: true},
		}

		once, err := Prepare(ds, opts)
		require.NoError(t, err)
		twice, err := Prepare(&dataset.Dataset{Images: once.X, Labels: once.Y}, opts)
		require.NoError(t, err)

		assert.Equal(t, once.X, twice.X, layout.String())
		assert.Equal(t, once.Y, twice.Y, layout.String())
		assert.Equal(t, 2, once.Len())
		assert.Equal(t, layout.SampleShape(2, 2, 3), once.InputShape())
		assert.Equal(t, once.X.Shape[1:], []int(once.InputShape()))

		x, err := once.Inputs()
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape(once.X.Shape), x.Shape())
	}
}

func TestPrepareCountMismatch(t *testing.T) {
	ds := &dataset.Dataset{
		Images: nhwc(),
		Labels: dataset.Array{Shape: []int{3}, Data: []float32{0, 1, 2}},
	}
	_, err := Prepare(ds, Options{Layout: tensor.ChannelsFirst, Geometry: tiny, Classes: 3})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
