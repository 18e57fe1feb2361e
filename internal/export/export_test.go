package export

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/mnistjob/internal/autodiff"
	"github.com/born-ml/mnistjob/internal/backend/cpu"
	"github.com/born-ml/mnistjob/internal/model"
	"github.com/born-ml/mnistjob/internal/nn"
	"github.com/born-ml/mnistjob/internal/onnx"
	"github.com/born-ml/mnistjob/internal/serialization"
	"github.com/born-ml/mnistjob/internal/tensor"
)

type testBackend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

// buildModel returns a 12×12 classifier whose BatchNorm state is far from
// the identity, so that the exported buffers matter.
func buildModel(t *testing.T, layout tensor.Layout) (*nn.Sequential[testBackend], model.Options, testBackend) {
	t.Helper()
	b := autodiff.New(cpu.New())
	opts := model.Options{Layout: layout, Channels: 1, Height: 12, Width: 12, Classes: 10, Seed: 3}
	seq, err := model.Build(opts, b)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(11))
	for name, raw := range seq.StateDict() {
		if !strings.HasPrefix(name, "batch_normalization") {
			continue
		}
		data := raw.AsFloat32()
		for i := range data {
			switch {
			case strings.HasSuffix(name, "running_var"), strings.HasSuffix(name, "gamma"):
				data[i] = 0.5 + rng.Float32()
			default:
				data[i] = rng.Float32() - 0.5
			}
		}
	}
	seq.SetTraining(false)
	return seq, opts, b
}

func randomBatch(t *testing.T, n int, sample tensor.Shape) *tensor.RawTensor {
	t.Helper()
	shape := append(tensor.Shape{n}, sample...)
	rng := rand.New(rand.NewSource(5))
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = rng.Float32()
	}
	raw, err := tensor.FromFloat32(data, shape)
	require.NoError(t, err)
	return raw
}

func exportOptions(opts model.Options) Options {
	return Options{
		Layout:     opts.Layout,
		InputShape: opts.InputShape(),
		RunID:      "run-1",
		Version:    "test",
		CreatedAt:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Training: &serialization.TrainingMeta{
			Epochs:          2,
			Loss:            0.25,
			Accuracy:        0.9,
			Optimizer:       "SGD",
			OptimizerConfig: map[string]float64{"lr": 0.1, "momentum": 0.9},
		},
	}
}

func TestSaveWritesArtifacts(t *testing.T) {
	seq, opts, _ := buildModel(t, tensor.ChannelsFirst)
	dir := filepath.Join(t.TempDir(), "model")

	art, err := Save(dir, seq, exportOptions(opts))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ONNXFile), art.ONNX)
	assert.Equal(t, filepath.Join(dir, WeightsFile), art.Weights)
	assert.Equal(t, filepath.Join(dir, SignatureFile), art.Signature)

	raw, err := os.ReadFile(art.Signature)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"data","shape":[1,1,12,12]}]`, string(raw))

	f, err := serialization.ReadFile(art.Weights)
	require.NoError(t, err)
	state := seq.StateDict()
	require.Len(t, f.Tensors, len(state))
	for name, want := range state {
		got, ok := f.Tensors[name]
		require.True(t, ok, name)
		assert.Equal(t, want.AsFloat32(), got.AsFloat32(), name)
	}
	assert.Equal(t, "channels_first", f.Header.Metadata[MetaDataFormat])
	assert.Equal(t, "run-1", f.Header.Metadata[MetaRunID])
	require.NotNil(t, f.Header.Training)
	assert.Equal(t, "SGD", f.Header.Training.Optimizer)

	m, err := onnx.ReadFile(art.ONNX)
	require.NoError(t, err)
	assert.Equal(t, int64(onnx.OpsetVersion), m.Opset())
	assert.Equal(t, int64(onnx.IRVersion), m.IRVersion)
	runID, ok := m.Metadata(MetaRunID)
	assert.True(t, ok)
	assert.Equal(t, "run-1", runID)
}

func TestGraphNodes(t *testing.T) {
	seq, opts, _ := buildModel(t, tensor.ChannelsFirst)
	m, err := Graph(seq, exportOptions(opts))
	require.NoError(t, err)

	var ops []string
	for _, n := range m.Graph.Nodes {
		ops = append(ops, n.OpType)
	}
	assert.Equal(t, []string{
		"Conv", "BatchNormalization", "Relu", "MaxPool",
		"Conv", "BatchNormalization", "Relu", "MaxPool",
		"Flatten", "Gemm", "Relu",
		"Gemm", "Softmax",
	}, ops)

	conv1 := m.Graph.Nodes[0]
	assert.Equal(t, []int64{1, 1, 1, 1}, conv1.AttrInts("pads"))
	assert.Equal(t, []int64{3, 3}, conv1.AttrInts("kernel_shape"))
	assert.Equal(t, []int64{0, 0, 0, 0}, m.Graph.Nodes[4].AttrInts("pads"))
	assert.Equal(t, int64(1), m.Graph.Nodes[9].AttrInt("transB", 0))
	assert.InDelta(t, nn.DefaultBatchNormEpsilon, m.Graph.Nodes[1].AttrFloat("epsilon", 0), 1e-9)

	assert.Equal(t, []int64{-1, 1, 12, 12}, m.Graph.Inputs[0].Dims())
	assert.Equal(t, []int64{-1, 10}, m.Graph.Outputs[0].Dims())
	// 2 convs, 2 BNs and 2 dense layers.
	assert.Len(t, m.Graph.Initializers, 2*2+2*4+2*2)
}

func TestGraphChannelsLastTransposes(t *testing.T) {
	seq, opts, _ := buildModel(t, tensor.ChannelsLast)
	m, err := Graph(seq, exportOptions(opts))
	require.NoError(t, err)

	var transposes [][]int64
	for _, n := range m.Graph.Nodes {
		if n.OpType == "Transpose" {
			transposes = append(transposes, n.AttrInts("perm"))
		}
	}
	assert.Equal(t, [][]int64{{0, 3, 1, 2}, {0, 2, 3, 1}}, transposes)
	assert.Equal(t, "Transpose", m.Graph.Nodes[0].OpType)
	assert.Equal(t, []int64{-1, 12, 12, 1}, m.Graph.Inputs[0].Dims())

	sig := InputSignature(exportOptions(opts))
	assert.Equal(t, []Signature{{Name: "data", Shape: []int{1, 12, 12, 1}}}, sig)
}

func TestExportMatchesModel(t *testing.T) {
	for _, layout := range []tensor.Layout{tensor.ChannelsFirst, tensor.ChannelsLast} {
		t.Run(layout.String(), func(t *testing.T) {
			seq, opts, b := buildModel(t, layout)
			x := randomBatch(t, 3, opts.InputShape())
			want := seq.Forward(tensor.New[float32](x, b)).Raw()

			art, err := Save(t.TempDir(), seq, exportOptions(opts))
			require.NoError(t, err)

			diff, err := Parity(art.ONNX, x, want)
			require.NoError(t, err)
			assert.Less(t, diff, 1e-4)
		})
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), SignatureFile)
	sig := []Signature{{Name: "data", Shape: []int{1, 28, 28, 1}}}
	require.NoError(t, WriteSignature(path, sig))

	got, err := ReadSignature(path)
	require.NoError(t, err)
	assert.Equal(t, sig, got)

	_, err = ReadSignature(filepath.Join(t.TempDir(), "none.json"))
	assert.Error(t, err)
}

func TestInvalidOptions(t *testing.T) {
	seq, opts, _ := buildModel(t, tensor.ChannelsFirst)

	bad := exportOptions(opts)
	bad.InputShape = tensor.Shape{12, 12}
	_, err := Save(t.TempDir(), seq, bad)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	bad = exportOptions(opts)
	bad.Layout = tensor.Layout(7)
	_, err = Graph(seq, bad)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

type opaque[B tensor.Backend] struct{}

func (opaque[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] { return x }
func (opaque[B]) Parameters() []*nn.Parameter[B] { return nil }

func TestUnsupportedLayer(t *testing.T) {
	b := autodiff.New(cpu.New())
	seq := nn.NewSequential[testBackend](opaque[testBackend]{})
	_, err := Graph(seq, Options{Layout: tensor.ChannelsFirst, InputShape: tensor.Shape{1, 2, 2}})
	assert.ErrorIs(t, err, ErrUnsupportedLayer)

	// A graph without a dense head has no known output width.
	seq = nn.NewSequential[testBackend](nn.NewReLU("relu", b))
	_, err = Graph(seq, Options{Layout: tensor.ChannelsFirst, InputShape: tensor.Shape{1, 2, 2}})
	assert.ErrorIs(t, err, ErrUnsupportedLayer)
}
