// Package dataset reads (prefix, input_text, target_text) examples,
// encodes them into token ids with an on-disk cache, and cuts them into
// batches whose order is reproducible per epoch.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/born-ml/seq2seq/internal/config"
	json "github.com/goccy/go-json"
)

// Column names every example source must provide.
const (
	ColPrefix = "prefix"
	ColInput  = "input_text"
	ColTarget = "target_text"
)

// Example is one training or evaluation record.
type Example struct {
	Prefix     string `json:"prefix"`
	InputText  string `json:"input_text"`
	TargetText string `json:"target_text"`
}

// SourceText is the text fed to the encoder.
func (e Example) SourceText(withPrefix bool) string {
	if withPrefix && e.Prefix != "" {
		return e.Prefix + ": " + e.InputText
	}
	return e.InputText
}

// Read loads examples from a .csv, .tsv or .jsonl file.
func Read(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, config.Resource("open examples", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return readDelimited(f, ',')
	case ".tsv":
		return readDelimited(f, '\t')
	case ".jsonl", ".json", ".ndjson":
		return readJSONLines(f)
	default:
		return nil, fmt.Errorf("%w: %s: unsupported example file type (want .csv, .tsv or .jsonl)", config.ErrInput, path)
	}
}

func readDelimited(r io.Reader, comma rune) ([]Example, error) {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	if comma == '\t' {
		cr.LazyQuotes = true
	}

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: example file is empty", config.ErrInput)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %w", config.ErrInput, err)
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	idx := make([]int, 3)
	for i, name := range []string{ColPrefix, ColInput, ColTarget} {
		c, ok := cols[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing column %q", config.ErrInput, name)
		}
		idx[i] = c
	}

	var out []Example
	for row := 2; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %w", config.ErrInput, row, err)
		}
		for i, c := range idx {
			if c >= len(rec) {
				return nil, fmt.Errorf("%w: row %d: missing field %q", config.ErrInput, row, []string{ColPrefix, ColInput, ColTarget}[i])
			}
		}
		out = append(out, Example{Prefix: rec[idx[0]], InputText: rec[idx[1]], TargetText: rec[idx[2]]})
	}
}

func readJSONLines(r io.Reader) ([]Example, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var out []Example
	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec map[string]*string
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", config.ErrInput, line, err)
		}
		ex, err := fromFields(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", config.ErrInput, line, err)
		}
		out = append(out, ex)
	}
	if err := sc.Err(); err != nil {
		return nil, config.Resource("read examples", err)
	}
	return out, nil
}

func fromFields(rec map[string]*string) (Example, error) {
	get := func(name string) (string, error) {
		v, ok := rec[name]
		if !ok || v == nil {
			return "", fmt.Errorf("missing field %q", name)
		}
		return *v, nil
	}
	var ex Example
	var err error
	if ex.Prefix, err = get(ColPrefix); err != nil {
		return ex, err
	}
	if ex.InputText, err = get(ColInput); err != nil {
		return ex, err
	}
	if ex.TargetText, err = get(ColTarget); err != nil {
		return ex, err
	}
	return ex, nil
}

// ReadLines reads one input text per non-empty line, for prediction.
func ReadLines(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var out []string
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, config.Resource("read inputs", err)
	}
	return out, nil
}
