package onnx

import (
	"errors"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// Errors returned by the decoder and Session.
var (
	ErrMalformed        = errors.New("onnx: malformed message")
	ErrUnsupportedDType = errors.New("onnx: unsupported data type")
	ErrUnsupportedOp    = errors.New("onnx: unsupported operator")
	ErrMissingValue     = errors.New("onnx: missing value")
)

// ReadFile decodes the model stored at path.
func ReadFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read onnx model: %w", err)
	}
	return Unmarshal(data)
}

// Unmarshal decodes a ModelProto.
func Unmarshal(data []byte) (*ModelProto, error) {
	m := &ModelProto{}
	err := walk(data, func(f field) error {
		switch f.num {
		case 1:
			m.IRVersion = int64(f.u)
		case 2:
			m.ProducerName = string(f.bytes)
		case 3:
			m.ProducerVersion = string(f.bytes)
		case 4:
			m.Domain = string(f.bytes)
		case 5:
			m.ModelVersion = int64(f.u)
		case 6:
			m.DocString = string(f.bytes)
		case 7:
			g, err := decodeGraph(f.bytes)
			if err != nil {
				return fmt.Errorf("graph: %w", err)
			}
			m.Graph = g
		case 8:
			var op OperatorSetID
			err := walk(f.bytes, func(f field) error {
				switch f.num {
				case 1:
					op.Domain = string(f.bytes)
				case 2:
					op.Version = int64(f.u)
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.OpsetImport = append(m.OpsetImport, op)
		case 14:
			var e StringStringEntry
			err := walk(f.bytes, func(f field) error {
				switch f.num {
				case 1:
					e.Key = string(f.bytes)
				case 2:
					e.Value = string(f.bytes)
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.MetadataProps = append(m.MetadataProps, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeGraph(b []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			n, err := decodeNode(f.bytes)
			if err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, n)
		case 2:
			g.Name = string(f.bytes)
		case 5:
			t, err := decodeTensor(f.bytes)
			if err != nil {
				return err
			}
			g.Initializers = append(g.Initializers, t)
		case 10:
			g.DocString = string(f.bytes)
		case 11, 12:
			v, err := decodeValueInfo(f.bytes)
			if err != nil {
				return err
			}
			if f.num == 11 {
				g.Inputs = append(g.Inputs, v)
			} else {
				g.Outputs = append(g.Outputs, v)
			}
		}
		return nil
	})
	return g, err
}

func decodeNode(b []byte) (NodeProto, error) {
	var n NodeProto
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			n.Inputs = append(n.Inputs, string(f.bytes))
		case 2:
			n.Outputs = append(n.Outputs, string(f.bytes))
		case 3:
			n.Name = string(f.bytes)
		case 4:
			n.OpType = string(f.bytes)
		case 5:
			a, err := decodeAttribute(f.bytes)
			if err != nil {
				return err
			}
			n.Attributes = append(n.Attributes, a)
		case 7:
			n.Domain = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("node %q: %w", n.Name, err)
	}
	return n, nil
}

func decodeAttribute(b []byte) (AttributeProto, error) {
	var a AttributeProto
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			a.Name = string(f.bytes)
		case 2:
			a.F = math.Float32frombits(uint32(f.u))
		case 3:
			a.I = int64(f.u)
		case 4:
			a.S = append([]byte(nil), f.bytes...)
		case 7:
			vs, err := f.float32s()
			if err != nil {
				return err
			}
			a.Floats = append(a.Floats, vs...)
		case 8:
			vs, err := f.int64s()
			if err != nil {
				return err
			}
			a.Ints = append(a.Ints, vs...)
		case 20:
			a.Type = int32(f.u)
		}
		return nil
	})
	return a, err
}

func decodeTensor(b []byte) (TensorProto, error) {
	var t TensorProto
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			vs, err := f.int64s()
			if err != nil {
				return err
			}
			t.Dims = append(t.Dims, vs...)
		case 2:
			t.DataType = int32(f.u)
		case 4:
			vs, err := f.float32s()
			if err != nil {
				return err
			}
			t.FloatData = append(t.FloatData, vs...)
		case 7:
			vs, err := f.int64s()
			if err != nil {
				return err
			}
			t.Int64Data = append(t.Int64Data, vs...)
		case 8:
			t.Name = string(f.bytes)
		case 9:
			t.RawData = append([]byte(nil), f.bytes...)
		case 12:
			t.DocString = string(f.bytes)
		}
		return nil
	})
	return t, err
}

func decodeValueInfo(b []byte) (ValueInfoProto, error) {
	var v ValueInfoProto
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			v.Name = string(f.bytes)
		case 2:
			typ, err := decodeType(f.bytes)
			if err != nil {
				return err
			}
			v.Type = typ
		case 3:
			v.DocString = string(f.bytes)
		}
		return nil
	})
	return v, err
}

func decodeType(b []byte) (*TypeProto, error) {
	typ := &TypeProto{}
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		tt := &TensorTypeProto{}
		typ.TensorType = tt
		return walk(f.bytes, func(f field) error {
			switch f.num {
			case 1:
				tt.ElemType = int32(f.u)
			case 2:
				tt.Shape = &TensorShapeProto{}
				return walk(f.bytes, func(f field) error {
					if f.num != 1 {
						return nil
					}
					var d DimensionProto
					err := walk(f.bytes, func(f field) error {
						switch f.num {
						case 1:
							d.DimValue = int64(f.u)
						case 2:
							d.DimParam = string(f.bytes)
						}
						return nil
					})
					tt.Shape.Dims = append(tt.Shape.Dims, d)
					return err
				})
			}
			return nil
		})
	})
	return typ, err
}

// field is one decoded key/value pair. u holds varint and fixed values.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	u     uint64
	bytes []byte
}

// walk calls visit for each field of the message in b.
func walk(b []byte, visit func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u = uint64(v)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

// int64s reads a repeated int64 in either packed or unpacked form.
func (f field) int64s() ([]int64, error) {
	if f.typ == protowire.VarintType {
		return []int64{int64(f.u)}, nil
	}
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, f.num, f.typ)
	}
	var out []int64
	for b := f.bytes; len(b) > 0; {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %w", ErrMalformed, f.num, protowire.ParseError(n))
		}
		out = append(out, int64(v))
		b = b[n:]
	}
	return out, nil
}

// float32s reads a repeated float in either packed or unpacked form.
func (f field) float32s() ([]float32, error) {
	if f.typ == protowire.Fixed32Type {
		return []float32{math.Float32frombits(uint32(f.u))}, nil
	}
	if f.typ != protowire.BytesType || len(f.bytes)%4 != 0 {
		return nil, fmt.Errorf("%w: field %d is not a float list", ErrMalformed, f.num)
	}
	out := make([]float32, 0, len(f.bytes)/4)
	for b := f.bytes; len(b) > 0; {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %w", ErrMalformed, f.num, protowire.ParseError(n))
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}
