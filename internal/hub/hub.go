// Package hub maps model names to local directories.
//
// A name that is already a directory is used as is. Otherwise it is
// looked up in the Hugging Face hub cache, which stores repositories as
// models--<org>--<name>/snapshots/<revision>/ with refs/main naming the
// current revision.
package hub

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/born-ml/seq2seq/internal/config"
)

// Environment variables consulted for the cache root, in order.
const (
	EnvHubCache = "HF_HUB_CACHE"
	EnvHome     = "HF_HOME"
)

// CacheDir returns the hub cache root.
func CacheDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvHubCache)); dir != "" {
		return dir
	}
	if home := strings.TrimSpace(os.Getenv(EnvHome)); home != "" {
		return filepath.Join(home, "hub")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "huggingface", "hub")
	}
	return ""
}

// Resolve returns the directory holding name's files.
func Resolve(name string) (string, error) {
	return ResolveIn(CacheDir(), name)
}

// ResolveIn is Resolve against an explicit cache root.
func ResolveIn(cacheDir, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", config.Errorf("empty model name")
	}
	if st, err := os.Stat(name); err == nil && st.IsDir() {
		return filepath.Clean(name), nil
	}
	if cacheDir == "" {
		return "", config.Resource("resolve "+name, fs.ErrNotExist)
	}

	repo := filepath.Join(cacheDir, "models--"+strings.ReplaceAll(name, "/", "--"))
	snapshots := filepath.Join(repo, "snapshots")

	if ref, err := os.ReadFile(filepath.Join(repo, "refs", "main")); err == nil { //nolint:gosec // cache layout path
		dir := filepath.Join(snapshots, strings.TrimSpace(string(ref)))
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return dir, nil
		}
	}

	entries, err := os.ReadDir(snapshots)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", config.Resource(fmt.Sprintf("model %q is neither a directory nor in the hub cache at %s", name, cacheDir), err)
		}
		return "", config.Resource("read hub cache", err)
	}
	var revs []string
	for _, e := range entries {
		if e.IsDir() {
			revs = append(revs, e.Name())
		}
	}
	if len(revs) == 0 {
		return "", config.Resource("resolve "+name, fs.ErrNotExist)
	}
	sort.Strings(revs)
	return filepath.Join(snapshots, revs[len(revs)-1]), nil
}
