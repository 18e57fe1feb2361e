package serialization

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/mnistjob/internal/tensor"
)

func state(t *testing.T) map[string]*tensor.RawTensor {
	t.Helper()
	w, err := tensor.FromFloat32([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	require.NoError(t, err)
	b, err := tensor.FromFloat32([]float32{-1, 1}, tensor.Shape{2})
	require.NoError(t, err)
	it := tensor.MustRaw(tensor.Shape{1}, tensor.Int64, tensor.CPU)
	it.AsInt64()[0] = 42
	return map[string]*tensor.RawTensor{"dense_1.weight": w, "dense_1.bias": b, "optimizer.iterations": it}
}

func encode(t *testing.T, header Header) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, state(t), header))
	return buf.Bytes()
}

func TestWriteReadRoundTrip(t *testing.T) {
	header := Header{
		ModelType: "Sequential",
		Metadata:  map[string]string{"run_id": "abc"},
		Training:  &TrainingMeta{Epochs: 3, Loss: 0.5, Accuracy: 0.9, Optimizer: "SGD", OptimizerConfig: map[string]float64{"momentum": 0.9}},
	}
	data := encode(t, header)

	assert.Equal(t, MagicBytes, string(data[:4]))
	assert.EqualValues(t, FormatVersion, binary.LittleEndian.Uint32(data[4:8]))
	headerSize := binary.LittleEndian.Uint64(data[headerSizeOffset:])
	dataSize := binary.LittleEndian.Uint64(data[dataSizeOffset:])
	assert.EqualValues(t, 2*3*4+2*4+8, dataSize)
	assert.EqualValues(t, align(FixedHeaderSize+int64(headerSize))+int64(dataSize), len(data))

	f, err := Read(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, FlagHasMetadata|FlagHasTraining, f.Flags)
	assert.Equal(t, "Sequential", f.Header.ModelType)
	assert.Equal(t, "abc", f.Header.Metadata["run_id"])
	assert.Equal(t, header.Training, f.Header.Training)

	want := state(t)
	require.Len(t, f.Tensors, len(want))
	for name, w := range want {
		got := f.Tensors[name]
		require.NotNil(t, got, name)
		assert.Equal(t, w.Shape(), got.Shape())
		assert.Equal(t, w.DType(), got.DType())
		assert.Equal(t, w.Data(), got.Data())
	}

	var names []string
	for _, m := range f.Header.Tensors {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"dense_1.bias", "dense_1.weight", "optimizer.iterations"}, names)
}

func TestWriteIsDeterministic(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	a := encode(t, Header{CreatedAt: at})
	b := encode(t, Header{CreatedAt: at})
	assert.Equal(t, a, b)
}

func TestReadDetectsCorruption(t *testing.T) {
	data := encode(t, Header{})
	data[len(data)-1] ^= 0xff
	_, err := Read(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestReadRejects(t *testing.T) {
	data := encode(t, Header{})

	bad := append([]byte(nil), data...)
	copy(bad, "NOPE")
	_, err := Read(bytes.NewReader(bad))
	assert.ErrorIs(t, err, ErrInvalidMagic)

	bad = append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(bad[4:8], 1)
	_, err = Read(bytes.NewReader(bad))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = Read(bytes.NewReader(data[:len(data)-4]))
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Read(bytes.NewReader(data[:10]))
	assert.ErrorIs(t, err, ErrTruncated)

	bad = append([]byte(nil), data...)
	binary.LittleEndian.PutUint64(bad[headerSizeOffset:], MaxHeaderSize+1)
	_, err = Read(bytes.NewReader(bad))
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestWriteRejectsBadNames(t *testing.T) {
	x, err := tensor.FromFloat32([]float32{1}, tensor.Shape{1})
	require.NoError(t, err)
	err = Write(&bytes.Buffer{}, map[string]*tensor.RawTensor{"../escape": x}, Header{})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestValidateTensorOffsets(t *testing.T) {
	ok := []TensorMeta{{Name: "a", Offset: 0, Size: 8}, {Name: "b", Offset: 8, Size: 8}}
	assert.NoError(t, ValidateTensorOffsets(ok, 16))

	cases := map[string]struct {
		tensors []TensorMeta
		kind    string
	}{
		"overlap":  {[]TensorMeta{{Name: "a", Offset: 0, Size: 10}, {Name: "b", Offset: 8, Size: 8}}, "offset_overlap"},
		"bounds":   {[]TensorMeta{{Name: "a", Offset: 12, Size: 8}}, "out_of_bounds"},
		"negative": {[]TensorMeta{{Name: "a", Offset: -1, Size: 8}}, "negative_offset"},
	}
	for name, tc := range cases {
		err := ValidateTensorOffsets(tc.tensors, 16)
		var verr *ValidationError
		require.True(t, errors.As(err, &verr), name)
		assert.Equal(t, tc.kind, verr.Type, name)
	}
}

func TestValidateHeaderSizes(t *testing.T) {
	h := &Header{Tensors: []TensorMeta{{Name: "a", DType: "float32", Shape: []int{2, 2}, Offset: 0, Size: 12}}}
	var verr *ValidationError
	require.True(t, errors.As(ValidateHeader(h, 16), &verr))
	assert.Equal(t, "size_mismatch", verr.Type)

	h.Tensors[0].DType = "complex64"
	assert.ErrorIs(t, ValidateHeader(h, 16), ErrUnsupportedDType)
}

func TestWriteReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model-0000.born")
	require.NoError(t, WriteFile(path, state(t), Header{ModelType: "Sequential"}))

	f, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(42), f.Tensors["optimizer.iterations"].AsInt64()[0])

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.born"))
	assert.Error(t, err)
}
