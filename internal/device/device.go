// Package device selects where tensors live: the CPU, or a WebGPU
// adapter when the build and the machine provide one.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/born-ml/seq2seq/internal/config"
	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sys/cpu"
)

// Kind names a compute device family.
type Kind string

// Device kinds.
const (
	CPU    Kind = "cpu"
	WebGPU Kind = "webgpu"
)

// Device is a resolved placement decision.
type Device struct {
	Kind Kind
}

// Select resolves the device for a run. CPU is always available; asking
// for the GPU when no adapter exists is a configuration error.
func Select(useGPU bool) (Device, error) {
	if !useGPU {
		return Device{Kind: CPU}, nil
	}
	if !gpuAvailable() {
		return Device{}, config.Errorf("use_gpu is set but no WebGPU adapter is available on %s/%s; unset use_gpu", runtime.GOOS, runtime.GOARCH)
	}
	return Device{Kind: WebGPU}, nil
}

// Available lists the device kinds usable in this process.
func Available() []Kind {
	kinds := []Kind{CPU}
	if gpuAvailable() {
		kinds = append(kinds, WebGPU)
	}
	return kinds
}

func (d Device) String() string {
	if d.Kind == WebGPU {
		return "webgpu"
	}
	return "cpu (" + DescribeCPU() + ")"
}

// DescribeCPU summarises the host processor for run logs.
func DescribeCPU() string {
	brand := strings.TrimSpace(cpuid.CPU.BrandName)
	if brand == "" {
		brand = runtime.GOARCH
	}
	desc := fmt.Sprintf("%s, %d cores/%d threads", brand, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores)
	if f := simdFeatures(); len(f) > 0 {
		desc += ", " + strings.Join(f, "+")
	}
	return desc
}

func simdFeatures() []string {
	var f []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasAVX2 {
			f = append(f, "avx2")
		}
		if cpu.X86.HasAVX512F {
			f = append(f, "avx512f")
		}
		if cpu.X86.HasFMA {
			f = append(f, "fma")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			f = append(f, "neon")
		}
		if cpu.ARM64.HasSVE {
			f = append(f, "sve")
		}
	}
	return f
}
