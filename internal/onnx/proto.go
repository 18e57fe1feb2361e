package onnx

import (
	"fmt"

	"github.com/born-ml/mnistjob/internal/tensor"
)

// Versions written by the exporter.
const (
	IRVersion    = 8
	OpsetVersion = 13
)

// ModelProto is the top-level ONNX message.
type ModelProto struct {
	IRVersion       int64
	OpsetImport     []OperatorSetID
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	MetadataProps   []StringStringEntry
}

// Opset returns the version of the default operator domain, or 0.
func (m *ModelProto) Opset() int64 {
	for _, op := range m.OpsetImport {
		if op.Domain == "" || op.Domain == "ai.onnx" {
			return op.Version
		}
	}
	return 0
}

// Metadata returns the metadata property for key.
func (m *ModelProto) Metadata(key string) (string, bool) {
	for _, e := range m.MetadataProps {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// GraphProto is a computation graph.
type GraphProto struct {
	Name         string
	Nodes        []NodeProto
	Initializers []TensorProto
	DocString    string
	Inputs       []ValueInfoProto
	Outputs      []ValueInfoProto
}

// NodeProto is a single operator invocation.
type NodeProto struct {
	Inputs     []string
	Outputs    []string
	Name       string
	OpType     string
	Attributes []AttributeProto
	Domain     string
}

// Attr returns the attribute called name.
func (n *NodeProto) Attr(name string) (*AttributeProto, bool) {
	for i := range n.Attributes {
		if n.Attributes[i].Name == name {
			return &n.Attributes[i], true
		}
	}
	return nil, false
}

// AttrInt returns an INT attribute or def.
func (n *NodeProto) AttrInt(name string, def int64) int64 {
	if a, ok := n.Attr(name); ok {
		return a.I
	}
	return def
}

// AttrFloat returns a FLOAT attribute or def.
func (n *NodeProto) AttrFloat(name string, def float32) float32 {
	if a, ok := n.Attr(name); ok {
		return a.F
	}
	return def
}

// AttrInts returns an INTS attribute or nil.
func (n *NodeProto) AttrInts(name string) []int64 {
	if a, ok := n.Attr(name); ok {
		return a.Ints
	}
	return nil
}

// TensorProto holds an initializer.
type TensorProto struct {
	Dims      []int64
	DataType  int32
	FloatData []float32
	Int64Data []int64
	Name      string
	RawData   []byte
	DocString string
}

// ValueInfoProto names a graph input or output and its type.
type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string
}

// Dims returns the static dimensions of v. Symbolic dimensions are -1.
func (v *ValueInfoProto) Dims() []int64 {
	if v.Type == nil || v.Type.TensorType == nil || v.Type.TensorType.Shape == nil {
		return nil
	}
	dims := make([]int64, len(v.Type.TensorType.Shape.Dims))
	for i, d := range v.Type.TensorType.Shape.Dims {
		if d.DimParam != "" {
			dims[i] = -1
			continue
		}
		dims[i] = d.DimValue
	}
	return dims
}

// TypeProto wraps a tensor type. Sequence and map types are not modeled.
type TypeProto struct {
	TensorType *TensorTypeProto
}

// TensorTypeProto is an element type plus shape.
type TensorTypeProto struct {
	ElemType int32
	Shape    *TensorShapeProto
}

// TensorShapeProto lists dimensions.
type TensorShapeProto struct {
	Dims []DimensionProto
}

// DimensionProto is either a fixed size or a symbolic name.
type DimensionProto struct {
	DimValue int64
	DimParam string
}

// AttributeProto is a node attribute. Only scalar and list forms of
// floats, ints and strings are modeled.
type AttributeProto struct {
	Name   string
	F      float32
	I      int64
	S      []byte
	Floats []float32
	Ints   []int64
	Type   int32
}

// OperatorSetID pins an operator domain to a version.
type OperatorSetID struct {
	Domain  string
	Version int64
}

// StringStringEntry is a metadata property.
type StringStringEntry struct {
	Key   string
	Value string
}

// TensorProto.DataType values.
const (
	DataTypeUndefined = 0
	DataTypeFloat     = 1
	DataTypeUint8     = 2
	DataTypeInt64     = 7
	DataTypeDouble    = 11
)

// AttributeProto.Type values.
const (
	AttrTypeFloat  = 1
	AttrTypeInt    = 2
	AttrTypeString = 3
	AttrTypeFloats = 6
	AttrTypeInts   = 7
)

// IntAttr builds an INT attribute.
func IntAttr(name string, v int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttrTypeInt, I: v}
}

// IntsAttr builds an INTS attribute.
func IntsAttr(name string, vs ...int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttrTypeInts, Ints: vs}
}

// FloatAttr builds a FLOAT attribute.
func FloatAttr(name string, v float32) AttributeProto {
	return AttributeProto{Name: name, Type: AttrTypeFloat, F: v}
}

// TensorInfo describes a float32 tensor value. A dim of -1 becomes the
// symbolic dimension "N".
func TensorInfo(name string, dims ...int64) ValueInfoProto {
	shape := &TensorShapeProto{Dims: make([]DimensionProto, len(dims))}
	for i, d := range dims {
		if d < 0 {
			shape.Dims[i] = DimensionProto{DimParam: "N"}
			continue
		}
		shape.Dims[i] = DimensionProto{DimValue: d}
	}
	return ValueInfoProto{
		Name: name,
		Type: &TypeProto{TensorType: &TensorTypeProto{ElemType: DataTypeFloat, Shape: shape}},
	}
}

// NewTensor copies a float32 tensor into an initializer.
func NewTensor(name string, t *tensor.RawTensor) (TensorProto, error) {
	if t.DType() != tensor.Float32 {
		return TensorProto{}, fmt.Errorf("%w: %s is %s", ErrUnsupportedDType, name, t.DType())
	}
	dims := make([]int64, len(t.Shape()))
	for i, d := range t.Shape() {
		dims[i] = int64(d)
	}
	raw := make([]byte, t.ByteSize())
	copy(raw, t.Data())
	return TensorProto{Name: name, DataType: DataTypeFloat, Dims: dims, RawData: raw}, nil
}

// ToRaw converts a float32 initializer into a tensor.
func (t *TensorProto) ToRaw() (*tensor.RawTensor, error) {
	if t.DataType != DataTypeFloat {
		return nil, fmt.Errorf("%w: %s has data type %d", ErrUnsupportedDType, t.Name, t.DataType)
	}
	shape := make(tensor.Shape, len(t.Dims))
	for i, d := range t.Dims {
		shape[i] = int(d)
	}
	out, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("initializer %s: %w", t.Name, err)
	}

	switch {
	case len(t.RawData) > 0:
		if len(t.RawData) != out.ByteSize() {
			return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrMalformed, t.Name, len(t.RawData), out.ByteSize())
		}
		copy(out.Data(), t.RawData)
	case len(t.FloatData) > 0:
		if len(t.FloatData) != out.NumElements() {
			return nil, fmt.Errorf("%w: %s has %d floats, want %d", ErrMalformed, t.Name, len(t.FloatData), out.NumElements())
		}
		copy(out.AsFloat32(), t.FloatData)
	}
	return out, nil
}
