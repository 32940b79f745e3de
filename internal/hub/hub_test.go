package hub

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/seq2seq/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLocalDirectory(t *testing.T) {
	dir := t.TempDir()
	got, err := ResolveIn("", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(dir), got)
}

func TestResolveCacheRefsMain(t *testing.T) {
	cache := t.TempDir()
	repo := filepath.Join(cache, "models--facebook--bart-base")
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "snapshots", "aaa"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "snapshots", "bbb"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "refs"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "refs", "main"), []byte("aaa\n"), 0o600))

	got, err := ResolveIn(cache, "facebook/bart-base")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, "snapshots", "aaa"), got)

	require.NoError(t, os.Remove(filepath.Join(repo, "refs", "main")))
	got, err = ResolveIn(cache, "facebook/bart-base")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, "snapshots", "bbb"), got)
}

func TestResolveMissing(t *testing.T) {
	_, err := ResolveIn(t.TempDir(), "nobody/nothing")
	require.ErrorIs(t, err, config.ErrResource)

	_, err = ResolveIn(t.TempDir(), " ")
	require.ErrorIs(t, err, config.ErrConfig)
}

func TestCacheDirEnv(t *testing.T) {
	t.Setenv(EnvHubCache, "/x/cache")
	assert.Equal(t, "/x/cache", CacheDir())

	t.Setenv(EnvHubCache, "")
	t.Setenv(EnvHome, "/x/home")
	assert.Equal(t, filepath.Join("/x/home", "hub"), CacheDir())
}
