package serialization

import (
	"time"

	"github.com/born-ml/mnistjob/internal/tensor"
)

// Format constants.
const (
	MagicBytes       = "BORN"
	FormatVersion    = 2
	HeaderAlignment  = 64
	FixedHeaderSize  = 64
	ChecksumSize     = 32
	ChecksumOffset   = 0x20
	headerSizeOffset = 0x10
	dataSizeOffset   = 0x18
)

// Flags for the .born format.
const (
	FlagHasMetadata uint32 = 1 << 2
	FlagHasTraining uint32 = 1 << 3
)

// Header is the JSON header of a .born file.
type Header struct {
	FormatVersion int               `json:"format_version"`
	ModelType     string            `json:"model_type"`
	CreatedAt     time.Time         `json:"created_at"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata"`
	Training      *TrainingMeta     `json:"training,omitempty"`
}

// TrainingMeta records how the weights were produced.
type TrainingMeta struct {
	Epochs          int                `json:"epochs"`
	Loss            float64            `json:"loss"`
	Accuracy        float64            `json:"accuracy"`
	Optimizer       string             `json:"optimizer"`
	OptimizerConfig map[string]float64 `json:"optimizer_config,omitempty"`
}

// TensorMeta locates one tensor in the data section.
type TensorMeta struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
}

var dtypeNames = map[tensor.DataType]string{
	tensor.Float32: "float32",
	tensor.Float64: "float64",
	tensor.Int32:   "int32",
	tensor.Int64:   "int64",
	tensor.Uint8:   "uint8",
}

func dtypeToString(dt tensor.DataType) string {
	if s, ok := dtypeNames[dt]; ok {
		return s
	}
	return "unknown"
}

func stringToDtype(s string) (tensor.DataType, bool) {
	for dt, name := range dtypeNames {
		if name == s {
			return dt, true
		}
	}
	return 0, false
}

func align(n int64) int64 {
	return (n + HeaderAlignment - 1) / HeaderAlignment * HeaderAlignment
}
