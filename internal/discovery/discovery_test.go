package discovery

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustGlob(t *testing.T, pattern string) Patterns {
	t.Helper()
	re, err := CompilePattern(pattern, true)
	require.NoError(t, err)
	return Patterns{Files: []*regexp.Regexp{re}}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestDiscoverMatchesGlobRecursively(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.test.js"))
	writeFile(t, filepath.Join(root, "nested", "b.test.js"))
	writeFile(t, filepath.Join(root, "nested", "b.js"))

	filesRe, err := CompilePattern("**/*.test.js", true)
	require.NoError(t, err)

	got, err := Discover(root, Patterns{Files: []*regexp.Regexp{filesRe}})
	require.NoError(t, err)

	assert.Len(t, got, 2)
	assert.Contains(t, got, "a.test.js")
	assert.Contains(t, got, "nested/b.test.js")
	assert.NotContains(t, got, "nested/b.js")
}

func TestDiscoverExcludePrunesSubtree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.test.js"))
	writeFile(t, filepath.Join(root, "node_modules", "pkg", "b.test.js"))

	filesRe, err := CompilePattern("**/*.test.js", true)
	require.NoError(t, err)
	excludeRe, err := CompilePattern("node_modules/**", true)
	require.NoError(t, err)

	got, err := Discover(root, Patterns{
		Files:   []*regexp.Regexp{filesRe},
		Exclude: []*regexp.Regexp{excludeRe},
	})
	require.NoError(t, err)

	assert.Len(t, got, 1)
	assert.Contains(t, got, "a.test.js")
}

func TestDiscoverSuitesFurtherNarrowsFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "unit", "a.test.js"))
	writeFile(t, filepath.Join(root, "e2e", "b.test.js"))

	filesRe, err := CompilePattern("**/*.test.js", true)
	require.NoError(t, err)
	suitesRe, err := CompilePattern("unit/**", true)
	require.NoError(t, err)

	got, err := Discover(root, Patterns{
		Files:  []*regexp.Regexp{filesRe},
		Suites: []*regexp.Regexp{suitesRe},
	})
	require.NoError(t, err)

	assert.Len(t, got, 1)
	assert.Contains(t, got, "unit/a.test.js")
}

func TestDiscoverNonExistentRootYieldsEmpty(t *testing.T) {
	got, err := Discover(filepath.Join(t.TempDir(), "does-not-exist"), Patterns{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCompileLiteralAnchorsAndEscapes(t *testing.T) {
	re, err := CompileLiteral("src/a.b.js")
	require.NoError(t, err)
	assert.True(t, re.MatchString("src/a.b.js"))
	assert.False(t, re.MatchString("src/aXb.js"))
}
