package onnx

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/mnistjob/internal/backend/cpu"
	"github.com/born-ml/mnistjob/internal/tensor"
)

func raw(t *testing.T, data []float32, shape ...int) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.FromFloat32(data, shape)
	require.NoError(t, err)
	return r
}

func initializer(t *testing.T, name string, data []float32, shape ...int) TensorProto {
	t.Helper()
	p, err := NewTensor(name, raw(t, data, shape...))
	require.NoError(t, err)
	return p
}

// denseModel is x[N,2] -> Gemm(W[3,2], transB) -> Softmax.
func denseModel(t *testing.T) *ModelProto {
	t.Helper()
	return &ModelProto{
		IRVersion:    IRVersion,
		OpsetImport:  []OperatorSetID{{Version: OpsetVersion}},
		ProducerName: "test",
		Graph: &GraphProto{
			Name: "dense",
			Nodes: []NodeProto{
				{
					Name: "softmax", OpType: "Softmax",
					Inputs: []string{"logits"}, Outputs: []string{"probs"},
					Attributes: []AttributeProto{IntAttr("axis", 1)},
				},
				{
					Name: "gemm", OpType: "Gemm",
					Inputs: []string{"x", "W", "b"}, Outputs: []string{"logits"},
					Attributes: []AttributeProto{IntAttr("transB", 1), FloatAttr("alpha", 1)},
				},
			},
			Initializers: []TensorProto{
				initializer(t, "W", []float32{1, 0, 0, 1, 1, 1}, 3, 2),
				initializer(t, "b", []float32{0, 0, -1}, 3),
			},
			Inputs:  []ValueInfoProto{TensorInfo("x", -1, 2)},
			Outputs: []ValueInfoProto{TensorInfo("probs", -1, 3)},
		},
		MetadataProps: []StringStringEntry{{Key: "data_format", Value: "channels_first"}},
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	m := denseModel(t)
	m.Graph.Nodes[0].Attributes = append(m.Graph.Nodes[0].Attributes,
		IntsAttr("perm", 0, 2, 3, 1),
		AttributeProto{Name: "mode", Type: AttrTypeString, S: []byte("constant")},
		AttributeProto{Name: "scales", Type: AttrTypeFloats, Floats: []float32{0.5, 2}},
	)

	got, err := Unmarshal(Marshal(m))
	require.NoError(t, err)

	assert.Equal(t, int64(IRVersion), got.IRVersion)
	assert.Equal(t, int64(OpsetVersion), got.Opset())
	assert.Equal(t, "test", got.ProducerName)
	format, ok := got.Metadata("data_format")
	assert.True(t, ok)
	assert.Equal(t, "channels_first", format)

	require.NotNil(t, got.Graph)
	assert.Equal(t, m.Graph.Nodes, got.Graph.Nodes)
	assert.Equal(t, m.Graph.Initializers, got.Graph.Initializers)
	assert.Equal(t, []int64{-1, 2}, got.Graph.Inputs[0].Dims())
	assert.Equal(t, "N", got.Graph.Inputs[0].Type.TensorType.Shape.Dims[0].DimParam)
	assert.Equal(t, int32(DataTypeFloat), got.Graph.Outputs[0].Type.TensorType.ElemType)
}

func TestWriteReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, WriteFile(path, denseModel(t)))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, got.Graph.Nodes, 2)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.onnx"))
	assert.Error(t, err)
}

func TestUnmarshalUnpackedAndUnknownFields(t *testing.T) {
	// TensorProto with unpacked dims, unpacked float_data and an unknown
	// fixed64 field 99.
	var tp []byte
	for _, d := range []uint64{2, 1} {
		tp = protowire.AppendTag(tp, 1, protowire.VarintType)
		tp = protowire.AppendVarint(tp, d)
	}
	tp = protowire.AppendTag(tp, 2, protowire.VarintType)
	tp = protowire.AppendVarint(tp, DataTypeFloat)
	for _, v := range []uint32{0x3f800000, 0x40000000} {
		tp = protowire.AppendTag(tp, 4, protowire.Fixed32Type)
		tp = protowire.AppendFixed32(tp, v)
	}
	tp = protowire.AppendTag(tp, 8, protowire.BytesType)
	tp = protowire.AppendString(tp, "w")
	tp = protowire.AppendTag(tp, 99, protowire.Fixed64Type)
	tp = protowire.AppendFixed64(tp, 7)

	var g []byte
	g = protowire.AppendTag(g, 5, protowire.BytesType)
	g = protowire.AppendBytes(g, tp)

	var b []byte
	b = protowire.AppendTag(b, 7, protowire.BytesType)
	b = protowire.AppendBytes(b, g)

	m, err := Unmarshal(b)
	require.NoError(t, err)
	require.Len(t, m.Graph.Initializers, 1)
	w := m.Graph.Initializers[0]
	assert.Equal(t, []int64{2, 1}, w.Dims)
	assert.Equal(t, []float32{1, 2}, w.FloatData)

	r, err := w.ToRaw()
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 1}, r.Shape())
	assert.Equal(t, []float32{1, 2}, r.AsFloat32())
}

func TestUnmarshalMalformed(t *testing.T) {
	// Length prefix runs past the end of the buffer.
	b := protowire.AppendTag(nil, 7, protowire.BytesType)
	b = protowire.AppendVarint(b, 100)
	_, err := Unmarshal(b)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Unmarshal([]byte{0xff})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestTensorDataTypes(t *testing.T) {
	i64 := tensor.MustRaw(tensor.Shape{2}, tensor.Int64, tensor.CPU)
	_, err := NewTensor("ids", i64)
	assert.ErrorIs(t, err, ErrUnsupportedDType)

	p := TensorProto{Name: "u8", DataType: DataTypeUint8, Dims: []int64{1}}
	_, err = p.ToRaw()
	assert.ErrorIs(t, err, ErrUnsupportedDType)

	short := TensorProto{Name: "w", DataType: DataTypeFloat, Dims: []int64{2}, RawData: []byte{0, 0}}
	_, err = short.ToRaw()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSessionDense(t *testing.T) {
	s, err := NewSession(denseModel(t), cpu.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, s.InputNames())
	assert.Equal(t, []string{"probs"}, s.OutputNames())

	out, err := s.Run(map[string]*tensor.RawTensor{"x": raw(t, []float32{1, 1, 2, 0}, 2, 2)})
	require.NoError(t, err)
	probs := out["probs"]
	require.Equal(t, tensor.Shape{2, 3}, probs.Shape())

	// Row 0 logits are [1, 1, 1], so the output is uniform.
	p := probs.AsFloat32()
	for j := 0; j < 3; j++ {
		assert.InDelta(t, 1.0/3, p[j], 1e-6)
	}
	// Row 1 logits are [2, 0, 1].
	assert.Greater(t, p[3], p[5])
	assert.Greater(t, p[5], p[4])
	assert.InDelta(t, 1.0, p[3]+p[4]+p[5], 1e-6)
}

func TestSessionConvPipeline(t *testing.T) {
	// NHWC input -> Transpose -> Conv(1x1, bias) -> BN -> Relu -> MaxPool -> Flatten.
	m := &ModelProto{
		IRVersion: IRVersion,
		Graph: &GraphProto{
			Nodes: []NodeProto{
				{OpType: "Transpose", Inputs: []string{"x"}, Outputs: []string{"xt"},
					Attributes: []AttributeProto{IntsAttr("perm", 0, 3, 1, 2)}},
				{OpType: "Conv", Inputs: []string{"xt", "k", "kb"}, Outputs: []string{"c"},
					Attributes: []AttributeProto{IntsAttr("kernel_shape", 1, 1), IntsAttr("pads", 0, 0, 0, 0), IntsAttr("strides", 1, 1)}},
				{OpType: "BatchNormalization", Inputs: []string{"c", "g", "beta", "mean", "var"}, Outputs: []string{"n"},
					Attributes: []AttributeProto{FloatAttr("epsilon", 0)}},
				{OpType: "Relu", Inputs: []string{"n"}, Outputs: []string{"r"}},
				{OpType: "MaxPool", Inputs: []string{"r"}, Outputs: []string{"p"},
					Attributes: []AttributeProto{IntsAttr("kernel_shape", 2, 2), IntsAttr("strides", 2, 2)}},
				{OpType: "Dropout", Inputs: []string{"p"}, Outputs: []string{"d"}},
				{OpType: "Flatten", Inputs: []string{"d"}, Outputs: []string{"y"},
					Attributes: []AttributeProto{IntAttr("axis", 1)}},
			},
			Initializers: []TensorProto{
				initializer(t, "k", []float32{2}, 1, 1, 1, 1),
				initializer(t, "kb", []float32{-3}, 1),
				initializer(t, "g", []float32{1}, 1),
				initializer(t, "beta", []float32{0}, 1),
				initializer(t, "mean", []float32{0}, 1),
				initializer(t, "var", []float32{1}, 1),
			},
			Inputs:  []ValueInfoProto{TensorInfo("x", 1, 2, 2, 1)},
			Outputs: []ValueInfoProto{TensorInfo("y", 1, 1)},
		},
	}

	s, err := NewSession(m, cpu.New())
	require.NoError(t, err)

	// 2x-3 gives [-1, 1, 3, 5]. Relu then a 2x2 max gives 5.
	out, err := s.Run(map[string]*tensor.RawTensor{"x": raw(t, []float32{1, 2, 3, 4}, 1, 2, 2, 1)})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 1}, out["y"].Shape())
	assert.InDelta(t, 5, out["y"].AsFloat32()[0], 1e-5)
}

func TestSessionErrors(t *testing.T) {
	m := denseModel(t)
	s, err := NewSession(m, cpu.New())
	require.NoError(t, err)

	_, err = s.Run(nil)
	assert.ErrorIs(t, err, ErrMissingValue)

	// Wrong feature count panics in MatMul and comes back as an error.
	_, err = s.Run(map[string]*tensor.RawTensor{"x": raw(t, []float32{1, 2, 3}, 1, 3)})
	assert.Error(t, err)

	m.Graph.Nodes = append(m.Graph.Nodes, NodeProto{OpType: "LSTM", Inputs: []string{"probs"}, Outputs: []string{"h"}})
	_, err = NewSession(m, cpu.New())
	assert.ErrorIs(t, err, ErrUnsupportedOp)

	_, err = NewSession(&ModelProto{}, cpu.New())
	assert.ErrorIs(t, err, ErrMalformed)

	asym := &NodeProto{Attributes: []AttributeProto{IntsAttr("pads", 0, 1, 0, 1)}}
	_, err = square(asym, "pads", 0)
	assert.ErrorIs(t, err, ErrUnsupportedOp)
}

func TestTopologicalSort(t *testing.T) {
	nodes := []NodeProto{
		{Name: "c", Inputs: []string{"b"}, Outputs: []string{"c"}},
		{Name: "b", Inputs: []string{"a"}, Outputs: []string{"b"}},
		{Name: "a", Inputs: []string{"x"}, Outputs: []string{"a"}},
	}
	sorted := topologicalSort(nodes)
	names := make([]string, len(sorted))
	for i := range sorted {
		names[i] = sorted[i].Name
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}
