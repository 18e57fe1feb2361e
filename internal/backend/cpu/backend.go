// Package cpu implements tensor.Backend with float32 kernels that run on
// the host and fan out over internal/parallel.
package cpu

import (
	"fmt"

	"github.com/born-ml/mnistjob/internal/parallel"
	"github.com/born-ml/mnistjob/internal/tensor"
)

// CPUBackend executes tensor operations on the host.
type CPUBackend struct {
	device  tensor.Device
	loops   parallel.Config // element-wise loops
	kernels parallel.Config // per-plane image kernels
}

// New creates a CPU backend that uses every available core.
func New() *CPUBackend {
	return &CPUBackend{
		device:  tensor.CPU,
		loops:   parallel.DefaultConfig(),
		kernels: parallel.KernelConfig(),
	}
}

// NewSerial creates a CPU backend that never spawns goroutines.
// Useful when the caller already runs one backend per goroutine.
func NewSerial() *CPUBackend {
	return &CPUBackend{
		device:  tensor.CPU,
		loops:   parallel.Config{},
		kernels: parallel.Config{},
	}
}

// Name returns "CPU".
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns tensor.CPU.
func (cpu *CPUBackend) Device() tensor.Device {
	return cpu.device
}

func (cpu *CPUBackend) alloc(op string, shape tensor.Shape) *tensor.RawTensor {
	out, err := tensor.NewRaw(shape, tensor.Float32, cpu.device)
	if err != nil {
		panic(fmt.Sprintf("%s: failed to create result tensor: %v", op, err))
	}
	return out
}

func requireFloat32(op string, ts ...*tensor.RawTensor) {
	for _, t := range ts {
		if t.DType() != tensor.Float32 {
			panic(fmt.Sprintf("%s: unsupported dtype %s (cpu kernels are float32)", op, t.DType()))
		}
	}
}
