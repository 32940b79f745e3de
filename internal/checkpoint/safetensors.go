package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/loader"
	"github.com/born-ml/born/tensor"
	"github.com/born-ml/seq2seq/internal/config"
	json "github.com/goccy/go-json"
)

// Tensor is a named float32 weight ready for serialisation.
type Tensor struct {
	Shape []int
	Data  []float32
}

type tensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// WriteSafeTensors stores tensors in the SafeTensors layout:
//
//	[u64 LE header length][JSON header][F32 little-endian data]
//
// Tensors are laid out in name order. The file is written next to path
// and renamed into place, so readers never see a partial file.
func WriteSafeTensors(path string, tensors map[string]Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var offset int64
	for _, name := range names {
		t := tensors[name]
		if n := numElements(t.Shape); n != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v holds %d values, got %d", name, t.Shape, n, len(t.Data))
		}
		shape := make([]int64, len(t.Shape))
		for i, d := range t.Shape {
			shape[i] = int64(d)
		}
		size := int64(len(t.Data)) * 4
		header[name] = tensorHeader{DType: "F32", Shape: shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal safetensors header: %w", err)
	}
	// Data must start on an 8-byte boundary.
	for len(headerJSON)%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".weights-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := bufio.NewWriterSize(tmp, 1<<20)
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := w.Write(headerJSON); err != nil {
		_ = tmp.Close()
		return err
	}
	buf := make([]byte, 4)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := w.Write(buf); err != nil {
				_ = tmp.Close()
				return fmt.Errorf("write tensor %s: %w", name, err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadSafeTensors loads every F32 tensor in path.
func ReadSafeTensors(path string) (map[string]Tensor, error) {
	r, err := loader.OpenModel(path)
	if err != nil {
		return nil, config.Resource("open "+filepath.Base(path), err)
	}
	defer r.Close()

	backend := cpu.New()
	out := map[string]Tensor{}
	for _, name := range r.TensorNames() {
		raw, err := r.LoadTensor(name, backend)
		if err != nil {
			return nil, config.Resource("read tensor "+name, err)
		}
		if raw.DType() != tensor.Float32 {
			return nil, fmt.Errorf("%w: tensor %s is %v, want F32", config.ErrResource, name, raw.DType())
		}
		out[name] = Tensor{
			Shape: append([]int(nil), raw.Shape()...),
			Data:  append([]float32(nil), raw.AsFloat32()...),
		}
	}
	return out, nil
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
