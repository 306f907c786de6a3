package bundle_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cklxx-labs/parallex/internal/bundle"
	"github.com/cklxx-labs/parallex/internal/srcmap"
)

func TestIdentityBundlerRoundTripsCodeAndSourceMap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.test.js")
	src := "describe('x', function() {\n  test('y', function() {});\n});\n"
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	b := bundle.IdentityBundler{}
	code, sourceMap, err := b.Bundle(path)
	require.NoError(t, err)
	require.Equal(t, src, code)

	idx, err := srcmap.New()
	require.NoError(t, err)
	require.NoError(t, idx.Register("suite1", sourceMap))

	pos, ok := idx.Resolve("suite1", 2, 3)
	require.True(t, ok)
	require.Equal(t, path, pos.Source)
}
