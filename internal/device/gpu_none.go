//go:build !windows && !webgpu

package device

import "errors"

var errNoWebGPU = errors.New("device: built without webgpu support")

func probeGPU() (*Adapter, error) {
	return nil, errNoWebGPU
}
