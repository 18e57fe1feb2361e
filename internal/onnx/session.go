package onnx

import (
	"fmt"

	"github.com/born-ml/mnistjob/internal/autodiff/ops"
	"github.com/born-ml/mnistjob/internal/tensor"
)

// opFunc evaluates one node. Inputs are in node order; an omitted optional
// input is nil.
type opFunc func(b tensor.Backend, node *NodeProto, in []*tensor.RawTensor) (*tensor.RawTensor, error)

var registry = map[string]opFunc{
	"Conv":               conv,
	"BatchNormalization": batchNorm,
	"Relu":               relu,
	"MaxPool":            maxPool,
	"Flatten":            flatten,
	"Gemm":               gemm,
	"Softmax":            softmax,
	"Transpose":          transpose,
	"Dropout":            identity,
	"Identity":           identity,
}

// SupportedOps reports whether Session can evaluate opType.
func SupportedOps(opType string) bool {
	_, ok := registry[opType]
	return ok
}

// Session evaluates a graph on a backend.
type Session struct {
	backend      tensor.Backend
	initializers map[string]*tensor.RawTensor
	nodes        []NodeProto
	inputs       []string
	outputs      []string
}

// NewSession loads the initializers of m and orders its nodes.
func NewSession(m *ModelProto, backend tensor.Backend) (*Session, error) {
	g := m.Graph
	if g == nil {
		return nil, fmt.Errorf("%w: model has no graph", ErrMalformed)
	}

	s := &Session{
		backend:      backend,
		initializers: make(map[string]*tensor.RawTensor, len(g.Initializers)),
	}
	for i := range g.Initializers {
		t, err := g.Initializers[i].ToRaw()
		if err != nil {
			return nil, err
		}
		s.initializers[g.Initializers[i].Name] = t
	}
	for i := range g.Inputs {
		if _, ok := s.initializers[g.Inputs[i].Name]; !ok {
			s.inputs = append(s.inputs, g.Inputs[i].Name)
		}
	}
	for i := range g.Outputs {
		s.outputs = append(s.outputs, g.Outputs[i].Name)
	}
	for i := range g.Nodes {
		if !SupportedOps(g.Nodes[i].OpType) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedOp, g.Nodes[i].OpType)
		}
	}
	s.nodes = topologicalSort(g.Nodes)
	return s, nil
}

// InputNames returns the graph inputs that are not initializers.
func (s *Session) InputNames() []string { return s.inputs }

// OutputNames returns the graph outputs.
func (s *Session) OutputNames() []string { return s.outputs }

// Run evaluates the graph and returns every graph output.
func (s *Session) Run(inputs map[string]*tensor.RawTensor) (out map[string]*tensor.RawTensor, err error) {
	values := make(map[string]*tensor.RawTensor, len(s.initializers)+len(s.nodes))
	for k, v := range s.initializers {
		values[k] = v
	}
	for _, name := range s.inputs {
		v, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("%w: input %s", ErrMissingValue, name)
		}
		values[name] = v
	}

	// Backend kernels panic on shape errors.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("onnx: run: %v", r)
		}
	}()

	for i := range s.nodes {
		node := &s.nodes[i]
		in := make([]*tensor.RawTensor, len(node.Inputs))
		for j, name := range node.Inputs {
			if name == "" {
				continue
			}
			v, ok := values[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s needs %s", ErrMissingValue, node.Name, name)
			}
			in[j] = v
		}
		res, err := registry[node.OpType](s.backend, node, in)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", node.OpType, node.Name, err)
		}
		values[node.Outputs[0]] = res
	}

	out = make(map[string]*tensor.RawTensor, len(s.outputs))
	for _, name := range s.outputs {
		v, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("%w: output %s", ErrMissingValue, name)
		}
		out[name] = v
	}
	return out, nil
}

// topologicalSort orders nodes so every producer runs before its consumers.
func topologicalSort(nodes []NodeProto) []NodeProto {
	producer := make(map[string]int)
	for i := range nodes {
		for _, out := range nodes[i].Outputs {
			producer[out] = i
		}
	}

	visited := make([]bool, len(nodes))
	sorted := make([]NodeProto, 0, len(nodes))
	var visit func(i int)
	visit = func(i int) {
		if visited[i] {
			return
		}
		visited[i] = true
		for _, in := range nodes[i].Inputs {
			if dep, ok := producer[in]; ok {
				visit(dep)
			}
		}
		sorted = append(sorted, nodes[i])
	}
	for i := range nodes {
		visit(i)
	}
	return sorted
}

func need(in []*tensor.RawTensor, n int) error {
	if len(in) < n {
		return fmt.Errorf("%w: want %d inputs, got %d", ErrMissingValue, n, len(in))
	}
	for i := 0; i < n; i++ {
		if in[i] == nil {
			return fmt.Errorf("%w: input %d", ErrMissingValue, i)
		}
	}
	return nil
}

// square returns the single value of a 2-D attribute that must be the same
// along both axes.
func square(node *NodeProto, name string, def int64) (int, error) {
	vs := node.AttrInts(name)
	if len(vs) == 0 {
		return int(def), nil
	}
	for _, v := range vs[1:] {
		if v != vs[0] {
			return 0, fmt.Errorf("%w: asymmetric %s %v", ErrUnsupportedOp, name, vs)
		}
	}
	return int(vs[0]), nil
}

func conv(b tensor.Backend, node *NodeProto, in []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := need(in, 2); err != nil {
		return nil, err
	}
	if g := node.AttrInt("group", 1); g != 1 {
		return nil, fmt.Errorf("%w: group %d", ErrUnsupportedOp, g)
	}
	if d, err := square(node, "dilations", 1); err != nil || d != 1 {
		return nil, fmt.Errorf("%w: dilations %v", ErrUnsupportedOp, node.AttrInts("dilations"))
	}
	stride, err := square(node, "strides", 1)
	if err != nil {
		return nil, err
	}
	pad, err := square(node, "pads", 0)
	if err != nil {
		return nil, err
	}

	y := b.Conv2D(in[0], in[1], stride, pad)
	if len(in) > 2 && in[2] != nil {
		bias := b.Reshape(in[2], tensor.Shape{1, in[2].NumElements(), 1, 1})
		y = b.Add(y, bias)
	}
	return y, nil
}

func batchNorm(_ tensor.Backend, node *NodeProto, in []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := need(in, 5); err != nil {
		return nil, err
	}
	eps := node.AttrFloat("epsilon", 1e-5)
	mean := append([]float32(nil), in[3].AsFloat32()...)
	variance := append([]float32(nil), in[4].AsFloat32()...)
	y, _, _ := ops.BatchNormForward(in[0], in[1], in[2], 1, mean, variance, eps, tensor.CPU)
	return y, nil
}

func relu(_ tensor.Backend, _ *NodeProto, in []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	return ops.ReLU(in[0], tensor.CPU), nil
}

func maxPool(b tensor.Backend, node *NodeProto, in []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	k, err := square(node, "kernel_shape", 0)
	if err != nil {
		return nil, err
	}
	if k == 0 {
		return nil, fmt.Errorf("%w: kernel_shape", ErrMissingValue)
	}
	stride, err := square(node, "strides", 1)
	if err != nil {
		return nil, err
	}
	if pad, err := square(node, "pads", 0); err != nil || pad != 0 {
		return nil, fmt.Errorf("%w: padded max pooling", ErrUnsupportedOp)
	}
	return b.MaxPool2D(in[0], k, stride), nil
}

func flatten(b tensor.Backend, node *NodeProto, in []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	shape := in[0].Shape()
	axis := int(node.AttrInt("axis", 1))
	if axis < 0 {
		axis += len(shape)
	}
	if axis < 0 || axis > len(shape) {
		return nil, fmt.Errorf("%w: flatten axis %d for rank %d", ErrMalformed, axis, len(shape))
	}
	outer := shape[:axis].NumElements()
	return b.Reshape(in[0], tensor.Shape{outer, in[0].NumElements() / outer}), nil
}

func gemm(b tensor.Backend, node *NodeProto, in []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := need(in, 2); err != nil {
		return nil, err
	}
	a, w := in[0], in[1]
	if node.AttrInt("transA", 0) != 0 {
		a = b.Transpose(a, 1, 0)
	}
	if node.AttrInt("transB", 0) != 0 {
		w = b.Transpose(w, 1, 0)
	}
	y := b.MatMul(a, w)
	if alpha := node.AttrFloat("alpha", 1); alpha != 1 {
		y = b.MulScalar(y, alpha)
	}
	if len(in) > 2 && in[2] != nil {
		c := in[2]
		if beta := node.AttrFloat("beta", 1); beta != 1 {
			c = b.MulScalar(c, beta)
		}
		y = b.Add(y, c)
	}
	return y, nil
}

func softmax(_ tensor.Backend, node *NodeProto, in []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	rank := int64(len(in[0].Shape()))
	if axis := node.AttrInt("axis", -1); axis != -1 && axis != rank-1 {
		return nil, fmt.Errorf("%w: softmax over axis %d", ErrUnsupportedOp, axis)
	}
	return ops.Softmax(in[0], tensor.CPU), nil
}

func transpose(b tensor.Backend, node *NodeProto, in []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	perm := node.AttrInts("perm")
	axes := make([]int, len(perm))
	for i, p := range perm {
		axes[i] = int(p)
	}
	if len(axes) == 0 {
		// ONNX reverses all axes by default.
		rank := len(in[0].Shape())
		axes = make([]int, rank)
		for i := range axes {
			axes[i] = rank - 1 - i
		}
	}
	return b.Transpose(in[0], axes...), nil
}

func identity(_ tensor.Backend, _ *NodeProto, in []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	return in[0], nil
}
