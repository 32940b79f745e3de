//go:build !windows

package model

import (
	"github.com/born-ml/seq2seq/internal/config"
	"github.com/born-ml/seq2seq/internal/device"
)

func newGPUEngine(Config, tokens) (engine, error) {
	return nil, config.Errorf("%s engine is not built for this platform", device.WebGPU)
}
