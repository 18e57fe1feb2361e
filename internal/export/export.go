// Package export writes a trained classifier to its model directory.
//
// Three files are produced:
//
//	model.onnx        inference graph (opset 13)
//	model-0000.born   parameters and BatchNorm buffers
//	model-shapes.json input signature, [{"name":"data","shape":[1,...]}]
//
// Files are written in that order. A failed export may leave earlier files
// behind.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/born-ml/mnistjob/internal/nn"
	"github.com/born-ml/mnistjob/internal/onnx"
	"github.com/born-ml/mnistjob/internal/serialization"
	"github.com/born-ml/mnistjob/internal/tensor"
)

// Artifact file names.
const (
	ONNXFile      = "model.onnx"
	WeightsFile   = "model-0000.born"
	SignatureFile = "model-shapes.json"
)

// InputName is the name of the graph input and of the signature entry.
const InputName = "data"

// Metadata keys stored in the ONNX model and the weights header.
const (
	MetaRunID      = "run_id"
	MetaDataFormat = "data_format"
)

var (
	// ErrInvalidOptions is returned for a missing layout or input shape.
	ErrInvalidOptions = errors.New("export: invalid options")
	// ErrUnsupportedLayer is returned for a module the graph cannot express.
	ErrUnsupportedLayer = errors.New("export: unsupported layer")
)

// Options describes the model being exported.
type Options struct {
	Layout tensor.Layout
	// InputShape is the per-sample shape in Layout, without the batch.
	InputShape tensor.Shape
	RunID      string
	// Producer names the writing program in the ONNX header.
	Producer string
	Version  string
	// Training is stored in the weights header when non-nil.
	Training *serialization.TrainingMeta
	// CreatedAt defaults to the current time.
	CreatedAt time.Time
}

func (o Options) validate() error {
	if o.Layout != tensor.ChannelsFirst && o.Layout != tensor.ChannelsLast {
		return fmt.Errorf("%w: layout %d", ErrInvalidOptions, o.Layout)
	}
	if len(o.InputShape) != 3 {
		return fmt.Errorf("%w: input shape %v is not a 3-D sample shape", ErrInvalidOptions, o.InputShape)
	}
	if err := o.InputShape.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return nil
}

func (o Options) metadata() map[string]string {
	md := map[string]string{MetaDataFormat: o.Layout.String()}
	if o.RunID != "" {
		md[MetaRunID] = o.RunID
	}
	return md
}

// Artifacts holds the paths written by Save.
type Artifacts struct {
	ONNX      string
	Weights   string
	Signature string
}

// Signature is one entry of model-shapes.json.
type Signature struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// InputSignature returns the signature for opts: the input name and the
// sample shape behind a unit batch placeholder.
func InputSignature(opts Options) []Signature {
	shape := append([]int{1}, opts.InputShape...)
	return []Signature{{Name: InputName, Shape: shape}}
}

// Save writes the three artifacts under dir, creating it if needed.
func Save[B tensor.Backend](dir string, seq *nn.Sequential[B], opts Options) (*Artifacts, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = time.Now().UTC()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create model dir: %w", err)
	}

	art := &Artifacts{
		ONNX:      filepath.Join(dir, ONNXFile),
		Weights:   filepath.Join(dir, WeightsFile),
		Signature: filepath.Join(dir, SignatureFile),
	}

	m, err := Graph(seq, opts)
	if err != nil {
		return nil, err
	}
	if err := onnx.WriteFile(art.ONNX, m); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	header := serialization.Header{
		ModelType: "sequential",
		CreatedAt: opts.CreatedAt,
		Metadata:  opts.metadata(),
		Training:  opts.Training,
	}
	if err := serialization.WriteFile(art.Weights, seq.StateDict(), header); err != nil {
		return nil, fmt.Errorf("export: weights: %w", err)
	}

	if err := WriteSignature(art.Signature, InputSignature(opts)); err != nil {
		return nil, err
	}
	return art, nil
}

// WriteSignature writes sig as JSON.
func WriteSignature(path string, sig []Signature) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("export: encode signature: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("export: write signature: %w", err)
	}
	return nil
}

// ReadSignature reads a model-shapes.json file.
func ReadSignature(path string) ([]Signature, error) {
	//nolint:gosec // G304: path is inside the model directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("export: read signature: %w", err)
	}
	var sig []Signature
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("export: decode signature: %w", err)
	}
	return sig, nil
}
