package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/loader"
	"github.com/born-ml/born/tensor"
	"github.com/born-ml/seq2seq/internal/checkpoint"
	"github.com/born-ml/seq2seq/internal/config"
)

// loadReport counts how a weights file matched the network.
type loadReport struct {
	loaded     int
	unknown    []string
	mismatched []string
}

// readWeights copies every matching tensor in dir/model.safetensors into
// the engine. A missing file loads nothing.
func readWeights(e engine, dir string) (loadReport, error) {
	var rep loadReport
	path := filepath.Join(dir, checkpoint.WeightsFile)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return rep, nil
	}

	r, err := loader.OpenModel(path)
	if err != nil {
		return rep, config.Resource("open "+path, err)
	}
	defer r.Close()

	reader := cpu.New()
	names := r.TensorNames()
	slices.Sort(names)
	for _, name := range names {
		raw, err := r.LoadTensor(name, reader)
		if err != nil {
			return rep, config.Resource(fmt.Sprintf("read tensor %s", name), err)
		}
		if raw.DType() != tensor.Float32 {
			rep.mismatched = append(rep.mismatched, name)
			continue
		}
		switch e.assign(name, []int(raw.Shape()), raw.AsFloat32()) {
		case assigned:
			rep.loaded++
		case unknownName:
			rep.unknown = append(rep.unknown, name)
		case shapeMismatch:
			rep.mismatched = append(rep.mismatched, name)
		}
	}
	return rep, nil
}

// writeWeights stores the named weights selected by keep as
// dir/model.safetensors.
func writeWeights(e engine, dir string, keep func(name string) bool, meta map[string]string) error {
	tensors := map[string]checkpoint.Tensor{}
	for _, w := range e.weights() {
		if keep(w.name) {
			tensors[w.name] = w.tensor
		}
	}
	return checkpoint.WriteSafeTensors(filepath.Join(dir, checkpoint.WeightsFile), tensors, meta)
}

func isEncoderWeight(name string) bool { return strings.HasPrefix(name, "model.encoder.") }
