package model

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/born-ml/mnistjob/internal/nn"
	"github.com/born-ml/mnistjob/internal/tensor"
)

// LayerInfo is one row of a model summary.
type LayerInfo struct {
	Name        string
	Type        string
	OutputShape tensor.Shape // Without the batch dimension.
	Params      int
}

// Inspect runs a single zero sample of inputShape through seq and records
// each layer's output shape and parameter count. The model is switched to
// inference mode for the probe and left in training mode afterwards.
func Inspect[B tensor.Backend](seq *nn.Sequential[B], inputShape tensor.Shape, backend B) (infos []LayerInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model: probe with input %v: %v", inputShape, r)
		}
	}()
	seq.SetTraining(false)
	defer seq.SetTraining(true)

	x := tensor.Zeros[float32](append(tensor.Shape{1}, inputShape...), backend)
	for i, m := range seq.Modules() {
		x = m.Forward(x)

		info := LayerInfo{Name: fmt.Sprintf("layer_%d", i), Type: typeName(m), OutputShape: x.Shape()[1:].Clone()}
		if n, ok := m.(nn.Named); ok {
			info.Name = n.Name()
		}
		if st, ok := m.(nn.Stateful); ok {
			for _, t := range st.StateDict() {
				info.Params += t.NumElements()
			}
		} else {
			for _, p := range m.Parameters() {
				info.Params += p.NumElements()
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Summary renders a Keras-style table of the model's layers.
func Summary[B tensor.Backend](seq *nn.Sequential[B], inputShape tensor.Shape, backend B) (string, error) {
	infos, err := Inspect(seq, inputShape, backend)
	if err != nil {
		return "", err
	}

	trainable := 0
	for _, p := range seq.Parameters() {
		trainable += p.NumElements()
	}
	total := 0
	for _, info := range infos {
		total += info.Params
	}

	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "Layer (type)\tOutput Shape\tParam #")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s (%s)\t%s\t%d\n", info.Name, info.Type, formatShape(info.OutputShape), info.Params)
	}
	if err := tw.Flush(); err != nil {
		return "", err
	}
	fmt.Fprintf(&sb, "Total params: %d\n", total)
	fmt.Fprintf(&sb, "Trainable params: %d\n", trainable)
	fmt.Fprintf(&sb, "Non-trainable params: %d\n", total-trainable)
	return sb.String(), nil
}

func formatShape(s tensor.Shape) string {
	parts := []string{"None"}
	for _, d := range s {
		parts = append(parts, fmt.Sprint(d))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func typeName(m any) string {
	name := fmt.Sprintf("%T", m)
	if i := strings.Index(name, "["); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	switch name {
	case "Conv2D":
		return string(Conv2D)
	case "BatchNorm":
		return string(BatchNormalization)
	case "ReLU", "Softmax":
		return string(Activation)
	case "MaxPool2D":
		return string(MaxPooling2D)
	case "Linear":
		return string(Dense)
	}
	return name
}
