//go:build windows

package model

import (
	"github.com/born-ml/born/backend/webgpu"
	"github.com/born-ml/seq2seq/internal/config"
)

func newGPUEngine(cfg Config, tok tokens) (engine, error) {
	gpu, err := webgpu.New()
	if err != nil {
		return nil, config.Resource("open webgpu adapter", err)
	}
	return newAutodiffEngine(gpu, cfg, tok), nil
}
