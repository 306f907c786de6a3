package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cklxx-labs/parallex/internal/config"
)

func TestRunCommandExecutesDiscoveredSuite(t *testing.T) {
	dir := t.TempDir()
	fixture := `
describe('math', function() {
  test('adds', function() {
    if (1 + 1 !== 2) { throw new Error('bad math'); }
  });
});
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "math.test.js"), []byte(fixture), 0o644))

	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"run", dir, "--parallel", "2", "--timeout", "2000"})

	err := root.Execute()
	require.NoError(t, err, "stderr: %s", errOut.String())
	require.Contains(t, out.String(), "1 passed, 0 failed")
}

func TestRunCommandReportsFailingSuite(t *testing.T) {
	dir := t.TempDir()
	fixture := `
describe('math', function() {
  test('fails', function() {
    throw new Error('boom');
  });
});
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "math.test.js"), []byte(fixture), 0o644))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"run", dir, "--parallel", "1", "--timeout", "2000"})

	err := root.Execute()
	require.Error(t, err)
	require.Contains(t, out.String(), "failed")
}

func TestConfigInitWritesLoadableDefaults(t *testing.T) {
	dir := t.TempDir()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "init", dir})
	require.NoError(t, root.Execute())

	path := filepath.Join(dir, ".parallex.yaml")
	_, err := os.Stat(path)
	require.NoError(t, err)

	opts, _, err := config.Load(config.WithConfigPath(path))
	require.NoError(t, err)
	require.Equal(t, config.Defaults().Parallel, opts.Parallel)

	// a second init without --force refuses to clobber.
	root = newRootCmd()
	root.SetArgs([]string{"config", "init", dir})
	require.Error(t, root.Execute())
}

func TestRunCommandNoMatchesIsNotAnError(t *testing.T) {
	dir := t.TempDir()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"run", dir})

	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "no test files matched")
}
