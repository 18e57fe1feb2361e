package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/mnistjob/internal/tensor"
)

// File is a decoded .born file.
type File struct {
	Header Header
	Flags  uint32
	// Tensors maps names to CPU tensors holding copies of the data.
	Tensors map[string]*tensor.RawTensor
}

// Read decodes a .born file from r, verifying the checksum and the
// tensor table.
func Read(r io.Reader) (*File, error) {
	fixed := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, fmt.Errorf("%w: fixed header: %v", ErrTruncated, err)
	}
	if string(fixed[0:4]) != MagicBytes {
		return nil, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint32(fixed[4:8]); v != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, v, FormatVersion)
	}
	flags := binary.LittleEndian.Uint32(fixed[8:12])
	headerSize := binary.LittleEndian.Uint64(fixed[headerSizeOffset:])
	dataSize := binary.LittleEndian.Uint64(fixed[dataSizeOffset:])
	var stored [32]byte
	copy(stored[:], fixed[ChecksumOffset:ChecksumOffset+ChecksumSize])

	if headerSize > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	//nolint:gosec // G115: bounded by MaxHeaderSize above
	padded := align(int64(FixedHeaderSize)+int64(headerSize)) - FixedHeaderSize
	headerBytes := make([]byte, padded)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrTruncated, err)
	}

	f := &File{Flags: flags}
	if err := json.Unmarshal(headerBytes[:headerSize], &f.Header); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}
	//nolint:gosec // G115: the table is validated against the bytes actually read
	if err := ValidateHeader(&f.Header, int64(dataSize)); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(r, int64(dataSize)))
	if err != nil {
		return nil, fmt.Errorf("failed to read tensor data: %w", err)
	}
	if uint64(len(data)) != dataSize {
		return nil, fmt.Errorf("%w: data section has %d of %d bytes", ErrTruncated, len(data), dataSize)
	}
	if err := ValidateChecksum(ComputeChecksum(data), stored); err != nil {
		return nil, err
	}

	f.Tensors = make(map[string]*tensor.RawTensor, len(f.Header.Tensors))
	for _, meta := range f.Header.Tensors {
		dt, _ := stringToDtype(meta.DType)
		raw, err := tensor.NewRaw(tensor.Shape(meta.Shape), dt, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", meta.Name, err)
		}
		copy(raw.Data(), data[meta.Offset:meta.Offset+meta.Size])
		f.Tensors[meta.Name] = raw
	}
	return f, nil
}

// ReadFile decodes the .born file at path.
func ReadFile(path string) (*File, error) {
	//nolint:gosec // G304: path is operator supplied
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer fh.Close()

	f, err := Read(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}
