// Package dataset loads the image and label arrays of a data channel from
// a NumPy .npz archive.
package dataset

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/sbinet/npyio/npy"
	"github.com/sbinet/npyio/npz"
)

// Archive names of the two data channels.
const (
	TrainingFile   = "training.npz"
	ValidationFile = "validation.npz"
)

// Array member keys inside an archive.
const (
	ImageKey = "image"
	LabelKey = "label"
)

var (
	// ErrMissingFile is returned when the archive does not exist.
	ErrMissingFile = errors.New("dataset: missing file")
	// ErrMissingKey is returned when an array is absent from the archive.
	ErrMissingKey = errors.New("dataset: missing key")
	// ErrUnsupportedDType is returned for element types other than
	// integers and floats, and for Fortran-ordered arrays.
	ErrUnsupportedDType = errors.New("dataset: unsupported dtype")
	// ErrShapeMismatch is returned when images and labels disagree on
	// the sample count.
	ErrShapeMismatch = errors.New("dataset: shape mismatch")
)

// Array is a dense row-major float32 buffer.
type Array struct {
	Shape []int
	Data  []float32
	// Integral records that the values were decoded from an integer
	// dtype.
	Integral bool
}

// Len returns the size of the first dimension.
func (a Array) Len() int {
	if len(a.Shape) == 0 {
		return 0
	}
	return a.Shape[0]
}

// Dataset holds one channel's images and labels.
type Dataset struct {
	Images Array
	Labels Array
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return d.Images.Len()
}

// Load reads dir/file and returns its image and label arrays.
func Load(dir, file string) (*Dataset, error) {
	path := filepath.Join(dir, file)
	r, err := npz.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingFile, path)
		}
		return nil, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer r.Close()

	images, err := readMember(r, ImageKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	labels, err := readMember(r, LabelKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if len(images.Shape) == 0 || len(labels.Shape) == 0 {
		return nil, fmt.Errorf("%w: %s: scalar arrays (image %v, label %v)", ErrShapeMismatch, path, images.Shape, labels.Shape)
	}
	if images.Shape[0] != labels.Shape[0] {
		return nil, fmt.Errorf("%w: %s: %d images but %d labels", ErrShapeMismatch, path, images.Shape[0], labels.Shape[0])
	}
	return &Dataset{Images: images, Labels: labels}, nil
}

// readMember decodes the member named key or key.npy.
func readMember(r *npz.Reader, key string) (Array, error) {
	name := ""
	for _, k := range r.Keys() {
		if k == key || k == key+".npy" {
			name = k
			break
		}
	}
	if name == "" {
		return Array{}, fmt.Errorf("%w: %q", ErrMissingKey, key)
	}

	rc, err := r.Open(name)
	if err != nil {
		return Array{}, fmt.Errorf("dataset: %w", err)
	}
	defer rc.Close()

	arr, err := Decode(rc)
	if err != nil {
		return Array{}, fmt.Errorf("%q: %w", key, err)
	}
	return arr, nil
}

// Decode reads one NPY array from r.
func Decode(r io.Reader) (Array, error) {
	nr, err := npy.NewReader(r)
	if err != nil {
		return Array{}, fmt.Errorf("dataset: read npy header: %w", err)
	}
	descr := nr.Header.Descr
	if descr.Fortran {
		return Array{}, fmt.Errorf("%w: Fortran-ordered arrays are not supported", ErrUnsupportedDType)
	}

	arr := Array{Shape: append([]int(nil), descr.Shape...)}
	kind, err := elementKind(descr.Type)
	if err != nil {
		return Array{}, err
	}

	switch kind {
	case "u1":
		arr.Data, err = readAs[uint8](nr)
	case "i1":
		arr.Data, err = readAs[int8](nr)
	case "u2":
		arr.Data, err = readAs[uint16](nr)
	case "i2":
		arr.Data, err = readAs[int16](nr)
	case "u4":
		arr.Data, err = readAs[uint32](nr)
	case "i4":
		arr.Data, err = readAs[int32](nr)
	case "u8":
		arr.Data, err = readAs[uint64](nr)
	case "i8":
		arr.Data, err = readAs[int64](nr)
	case "f4":
		arr.Data, err = readAs[float32](nr)
	case "f8":
		arr.Data, err = readAs[float64](nr)
	}
	if err != nil {
		return Array{}, fmt.Errorf("dataset: read %s data: %w", descr.Type, err)
	}
	arr.Integral = kind[0] != 'f'

	want := 1
	for _, d := range arr.Shape {
		want *= d
	}
	if len(arr.Data) != want {
		return Array{}, fmt.Errorf("%w: header shape %v holds %d values, read %d", ErrShapeMismatch, arr.Shape, want, len(arr.Data))
	}
	return arr, nil
}

// elementKind strips the byte-order mark of a descriptor such as "<f4".
// Big-endian data is rejected.
func elementKind(descr string) (string, error) {
	kind := strings.TrimLeft(descr, "<|=")
	if strings.HasPrefix(kind, ">") {
		return "", fmt.Errorf("%w: big-endian %q", ErrUnsupportedDType, descr)
	}
	switch kind {
	case "u1", "i1", "u2", "i2", "u4", "i4", "u8", "i8", "f4", "f8":
		return kind, nil
	case "b1":
		return "", fmt.Errorf("%w: bool %q", ErrUnsupportedDType, descr)
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedDType, descr)
}

type element interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 | ~uint64 | ~int64 | ~float32 | ~float64
}

func readAs[T element](r *npy.Reader) ([]float32, error) {
	n := 1
	for _, d := range r.Header.Descr.Shape {
		n *= d
	}
	raw := make([]T, n)
	if err := r.Read(&raw); err != nil {
		return nil, err
	}
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}
