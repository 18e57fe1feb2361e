package dataset

import (
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"
	"unsafe"

	"github.com/sbinet/npyio/npz"
)

// WriteNPZ writes arrays to w as an .npz archive with one name.npy member
// per array. Integral arrays are stored as u1 and must hold values in
// [0, 255]; the rest are stored as f4.
func WriteNPZ(w io.Writer, arrays map[string]Array) error {
	zw := npz.NewWriter(w)
	if err := writeArrays(zw, arrays); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// SaveNPZ writes arrays to a new .npz file at path.
func SaveNPZ(path string, arrays map[string]Array) error {
	zw, err := npz.Create(path)
	if err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	if err := writeArrays(zw, arrays); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

func writeArrays(zw *npz.Writer, arrays map[string]Array) error {
	names := make([]string, 0, len(arrays))
	for name := range arrays {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v, err := npyValue(arrays[name])
		if err != nil {
			return fmt.Errorf("dataset: write %q: %w", name, err)
		}
		if err := zw.Write(name+".npy", v); err != nil {
			return fmt.Errorf("dataset: %w", err)
		}
	}
	return nil
}

// npyValue copies a into a Go array typed [d0][d1]...T, which npy encodes
// with the full shape. T is uint8 for integral arrays and float32
// otherwise.
func npyValue(a Array) (any, error) {
	n := 1
	for _, d := range a.Shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrShapeMismatch, a.Shape)
		}
		n *= d
	}
	if n != len(a.Data) {
		return nil, fmt.Errorf("%w: shape %v holds %d values, got %d", ErrShapeMismatch, a.Shape, n, len(a.Data))
	}

	elem := reflect.TypeOf(float32(0))
	if a.Integral {
		elem = reflect.TypeOf(uint8(0))
	}
	typ := elem
	for i := len(a.Shape) - 1; i >= 0; i-- {
		typ = reflect.ArrayOf(a.Shape[i], typ)
	}
	v := reflect.New(typ)
	if n == 0 {
		return v.Elem().Interface(), nil
	}

	if !a.Integral {
		copy(unsafe.Slice((*float32)(v.UnsafePointer()), n), a.Data)
		return v.Elem().Interface(), nil
	}
	flat := unsafe.Slice((*uint8)(v.UnsafePointer()), n)
	for i, x := range a.Data {
		if x < 0 || x > 255 || x != float32(math.Trunc(float64(x))) {
			return nil, fmt.Errorf("%w: %v does not fit u1", ErrUnsupportedDType, x)
		}
		flat[i] = uint8(x)
	}
	return v.Elem().Interface(), nil
}
