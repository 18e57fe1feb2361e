// Package onnx reads and writes the subset of the ONNX protobuf schema used
// by the exported inference graph.
//
// Messages are plain Go structs encoded with protowire, so the package does
// not depend on generated code. Field numbers follow onnx.proto3:
//
//   - ModelProto: ir_version, opset_import, producer, graph, metadata_props
//   - GraphProto: nodes, initializers, inputs, outputs
//   - NodeProto: op_type, inputs, outputs, attributes
//   - TensorProto: dims, data_type, raw_data (float_data is read too)
//
// Unknown fields are skipped when decoding.
//
// Session evaluates a decoded graph on a tensor.Backend. It covers the
// operators the exporter emits and is used to check an export against the
// model it came from:
//
//	m, err := onnx.ReadFile("model.onnx")
//	if err != nil {
//	    return err
//	}
//	s, err := onnx.NewSession(m, cpu.New())
//	if err != nil {
//	    return err
//	}
//	out, err := s.Run(map[string]*tensor.RawTensor{"data": x})
package onnx
