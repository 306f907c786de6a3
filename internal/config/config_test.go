package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cklxx-labs/parallex/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { require.NoError(t, os.Chdir(cwd)) }()

	opts, meta, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, config.Defaults().Parallel, opts.Parallel)
	require.Equal(t, config.SourceDefault, meta.Source("parallel"))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parallex.yaml")
	require.NoError(t, os.WriteFile(path, []byte("parallel: 8\nbail: true\ntimeout: 1000\n"), 0o644))

	opts, meta, err := config.Load(config.WithConfigPath(path))
	require.NoError(t, err)
	require.Equal(t, 8, opts.Parallel)
	require.True(t, opts.Bail)
	require.Equal(t, 1000, opts.TimeoutMS)
	require.Equal(t, config.SourceFile, meta.Source("parallel"))
}

func TestOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parallex.yaml")
	require.NoError(t, os.WriteFile(path, []byte("parallel: 8\n"), 0o644))

	forced := 2
	opts, meta, err := config.Load(
		config.WithConfigPath(path),
		config.WithOverrides(config.Overrides{Parallel: &forced}),
	)
	require.NoError(t, err)
	require.Equal(t, 2, opts.Parallel)
	require.Equal(t, config.SourceOverride, meta.Source("parallel"))
}

func TestLoadSeedUnsetByDefaultAndOverridable(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { require.NoError(t, os.Chdir(cwd)) }()

	opts, meta, err := config.Load()
	require.NoError(t, err)
	require.Nil(t, opts.Seed)
	require.Equal(t, config.SourceDefault, meta.Source("seed"))

	forced := int64(7)
	opts, meta, err = config.Load(config.WithOverrides(config.Overrides{Seed: &forced}))
	require.NoError(t, err)
	require.NotNil(t, opts.Seed)
	require.Equal(t, int64(7), *opts.Seed)
	require.Equal(t, config.SourceOverride, meta.Source("seed"))
}

func TestLoadRejectsZeroParallel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parallex.yaml")
	require.NoError(t, os.WriteFile(path, []byte("parallel: 0\n"), 0o644))

	_, _, err := config.Load(config.WithConfigPath(path))
	require.Error(t, err)
}
