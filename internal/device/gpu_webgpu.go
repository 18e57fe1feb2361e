//go:build windows || webgpu

package device

import (
	"fmt"

	"github.com/go-webgpu/webgpu/wgpu"
)

// probeGPU asks wgpu-native for the default adapter.
func probeGPU() (adapter *Adapter, err error) {
	// wgpu panics when the native library cannot be loaded.
	defer func() {
		if r := recover(); r != nil {
			adapter = nil
			err = fmt.Errorf("device: webgpu native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	a, err := instance.RequestAdapter(nil)
	if err != nil {
		return nil, fmt.Errorf("device: no webgpu adapter: %w", err)
	}
	defer a.Release()

	info := a.GetInfo()
	return &Adapter{Name: info.Name, Vendor: info.VendorName}, nil
}
