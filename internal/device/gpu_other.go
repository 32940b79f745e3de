//go:build !windows

package device

// Born ships its WebGPU backend for windows builds only.
func gpuAvailable() bool {
	return false
}
