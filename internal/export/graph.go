package export

import (
	"fmt"

	"github.com/born-ml/mnistjob/internal/nn"
	"github.com/born-ml/mnistjob/internal/onnx"
	"github.com/born-ml/mnistjob/internal/tensor"
)

// ONNX convolution and pooling operators are NCHW only.
var (
	toNCHW = []int64{0, 3, 1, 2}
	toNHWC = []int64{0, 2, 3, 1}
)

// graph accumulates nodes and initializers while walking a Sequential.
type graph struct {
	nodes []onnx.NodeProto
	inits []onnx.TensorProto
	cur   string
	// nhwc is true while cur is a rank-4 NHWC tensor.
	nhwc    bool
	spatial bool
	classes int64
}

func (g *graph) emit(op, name string, inputs []string, attrs ...onnx.AttributeProto) {
	g.nodes = append(g.nodes, onnx.NodeProto{
		Name:       name,
		OpType:     op,
		Inputs:     append([]string{g.cur}, inputs...),
		Outputs:    []string{name},
		Attributes: attrs,
	})
	g.cur = name
}

func (g *graph) init(name string, t *tensor.RawTensor) (string, error) {
	p, err := onnx.NewTensor(name, t)
	if err != nil {
		return "", err
	}
	g.inits = append(g.inits, p)
	return name, nil
}

func (g *graph) params(prefix string, named map[string]*tensor.RawTensor, order ...string) ([]string, error) {
	names := make([]string, len(order))
	for i, key := range order {
		name, err := g.init(prefix+"."+key, named[key])
		if err != nil {
			return nil, err
		}
		names[i] = name
	}
	return names, nil
}

// channelsFirst inserts a Transpose when cur is NHWC.
func (g *graph) channelsFirst(layer string) {
	if g.spatial && g.nhwc {
		g.emit("Transpose", layer+"_nchw", nil, onnx.IntsAttr("perm", toNCHW...))
		g.nhwc = false
	}
}

// restore brings cur back to the trained layout so that Flatten orders
// features the same way training did.
func (g *graph) restore(layer string, layout tensor.Layout) {
	if !g.spatial {
		return
	}
	if layout == tensor.ChannelsFirst {
		g.channelsFirst(layer)
		return
	}
	if !g.nhwc {
		g.emit("Transpose", layer+"_nhwc", nil, onnx.IntsAttr("perm", toNHWC...))
		g.nhwc = true
	}
}

// Graph translates seq into an ONNX model that consumes batches in
// opts.Layout and returns class probabilities. Dropout is omitted.
func Graph[B tensor.Backend](seq *nn.Sequential[B], opts Options) (*onnx.ModelProto, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	g := &graph{cur: InputName, nhwc: opts.Layout == tensor.ChannelsLast, spatial: true}
	for i, m := range seq.Modules() {
		if err := addLayer(g, m, opts.Layout); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	if g.classes == 0 {
		return nil, fmt.Errorf("%w: model has no dense output layer", ErrUnsupportedLayer)
	}

	inputDims := []int64{-1}
	for _, d := range opts.InputShape {
		inputDims = append(inputDims, int64(d))
	}

	md := opts.metadata()
	props := make([]onnx.StringStringEntry, 0, len(md))
	for _, key := range []string{MetaRunID, MetaDataFormat} {
		if v, ok := md[key]; ok {
			props = append(props, onnx.StringStringEntry{Key: key, Value: v})
		}
	}

	producer := opts.Producer
	if producer == "" {
		producer = "mnistjob"
	}
	return &onnx.ModelProto{
		IRVersion:       onnx.IRVersion,
		OpsetImport:     []onnx.OperatorSetID{{Version: onnx.OpsetVersion}},
		ProducerName:    producer,
		ProducerVersion: opts.Version,
		Graph: &onnx.GraphProto{
			Name:         "mnist_cnn",
			Nodes:        g.nodes,
			Initializers: g.inits,
			Inputs:       []onnx.ValueInfoProto{onnx.TensorInfo(InputName, inputDims...)},
			Outputs:      []onnx.ValueInfoProto{onnx.TensorInfo(g.cur, -1, g.classes)},
		},
		MetadataProps: props,
	}, nil
}

func addLayer[B tensor.Backend](g *graph, m nn.Module[B], layout tensor.Layout) error {
	switch l := m.(type) {
	case *nn.Conv2D[B]:
		cfg := l.Config()
		g.channelsFirst(cfg.Name)
		k := int64(cfg.KernelSize)
		p := int64(cfg.Padding.Amount(cfg.KernelSize))
		s := int64(cfg.Stride)
		w, err := g.init(cfg.Name+".weight", l.Weight().Tensor().Raw())
		if err != nil {
			return err
		}
		b, err := g.init(cfg.Name+".bias", l.Bias().Tensor().Raw())
		if err != nil {
			return err
		}
		g.emit("Conv", cfg.Name, []string{w, b},
			onnx.IntsAttr("kernel_shape", k, k),
			onnx.IntsAttr("pads", p, p, p, p),
			onnx.IntsAttr("strides", s, s),
			onnx.IntsAttr("dilations", 1, 1),
			onnx.IntAttr("group", 1),
		)

	case *nn.BatchNorm[B]:
		cfg := l.Config()
		g.channelsFirst(cfg.Name)
		inputs, err := g.params(cfg.Name, l.StateDict(), "gamma", "beta", "running_mean", "running_var")
		if err != nil {
			return err
		}
		g.emit("BatchNormalization", cfg.Name, inputs,
			onnx.FloatAttr("epsilon", cfg.Epsilon),
			onnx.FloatAttr("momentum", cfg.Momentum),
		)

	case *nn.ReLU[B]:
		g.emit("Relu", l.Name(), nil)

	case *nn.MaxPool2D[B]:
		g.channelsFirst(l.Name())
		k, s := int64(l.KernelSize()), int64(l.Stride())
		g.emit("MaxPool", l.Name(), nil,
			onnx.IntsAttr("kernel_shape", k, k),
			onnx.IntsAttr("strides", s, s),
			onnx.IntsAttr("pads", 0, 0, 0, 0),
		)

	case *nn.Flatten[B]:
		g.restore(l.Name(), layout)
		g.emit("Flatten", l.Name(), nil, onnx.IntAttr("axis", 1))
		g.spatial, g.nhwc = false, false

	case *nn.Linear[B]:
		w, err := g.init(l.Name()+".weight", l.Weight().Tensor().Raw())
		if err != nil {
			return err
		}
		b, err := g.init(l.Name()+".bias", l.Bias().Tensor().Raw())
		if err != nil {
			return err
		}
		g.emit("Gemm", l.Name(), []string{w, b},
			onnx.FloatAttr("alpha", 1),
			onnx.FloatAttr("beta", 1),
			onnx.IntAttr("transB", 1),
		)
		g.classes = int64(l.OutFeatures())

	case *nn.Dropout[B]:
		// Identity at inference.

	case *nn.Softmax[B]:
		g.emit("Softmax", l.Name(), nil, onnx.IntAttr("axis", -1))

	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedLayer, m)
	}
	return nil
}
