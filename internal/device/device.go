// Package device reports the compute resources visible to the job.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Info is the result of Probe.
type Info struct {
	CPU           string
	PhysicalCores int
	LogicalCores  int
	// GOMAXPROCS at probe time.
	Procs int
	// Features lists the SIMD extensions relevant to float32 kernels.
	Features []string

	// GPU is the WebGPU adapter, if one was found.
	GPU *Adapter
}

// Adapter identifies a WebGPU adapter.
type Adapter struct {
	Name   string
	Vendor string
}

// Accelerators returns the number of usable GPU adapters.
func (i Info) Accelerators() int {
	if i.GPU != nil {
		return 1
	}
	return 0
}

// String formats the probe as key=value pairs for logging.
func (i Info) String() string {
	features := "none"
	if len(i.Features) > 0 {
		features = strings.Join(i.Features, ",")
	}
	gpu := "none"
	if i.GPU != nil {
		gpu = fmt.Sprintf("%q", strings.TrimSpace(i.GPU.Vendor+" "+i.GPU.Name))
	}
	return fmt.Sprintf("cpu=%q cores=%d/%d procs=%d simd=%s gpu=%s",
		i.CPU, i.PhysicalCores, i.LogicalCores, i.Procs, features, gpu)
}

var simd = []struct {
	name string
	id   cpuid.FeatureID
}{
	{"sse4.2", cpuid.SSE42},
	{"avx", cpuid.AVX},
	{"avx2", cpuid.AVX2},
	{"fma3", cpuid.FMA3},
	{"avx512f", cpuid.AVX512F},
	{"asimd", cpuid.ASIMD},
}

// Probe inspects the host CPU and looks for a WebGPU adapter.
func Probe() Info {
	info := Info{
		CPU:           cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		Procs:         runtime.GOMAXPROCS(0),
	}
	if info.CPU == "" {
		info.CPU = runtime.GOARCH
	}
	if info.LogicalCores == 0 {
		info.LogicalCores = runtime.NumCPU()
	}
	for _, f := range simd {
		if cpuid.CPU.Supports(f.id) {
			info.Features = append(info.Features, f.name)
		}
	}
	if a, err := probeGPU(); err == nil {
		info.GPU = a
	}
	return info
}
