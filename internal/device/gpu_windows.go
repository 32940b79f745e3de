//go:build windows

package device

import "github.com/born-ml/born/backend/webgpu"

func gpuAvailable() bool {
	return webgpu.IsAvailable()
}
