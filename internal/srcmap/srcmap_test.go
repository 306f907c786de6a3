package srcmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// a minimal valid source map: one generated line mapping straight to
// foo.js:1:0 with no column offsets.
const minimalMap = `{"version":3,"sources":["foo.js"],"names":[],"mappings":"AAAA"}`

func TestRegisterAndResolve(t *testing.T) {
	idx, err := New()
	require.NoError(t, err)

	require.NoError(t, idx.Register("suite-1", []byte(minimalMap)))

	pos, ok := idx.Resolve("suite-1", 1, 0)
	require.True(t, ok)
	assert.Equal(t, "foo.js", pos.Source)
}

func TestResolvePopulatesEmbeddedCodeAndSourceRoot(t *testing.T) {
	idx, err := New()
	require.NoError(t, err)

	withContent := `{
		"version": 3,
		"sourceRoot": "webpack://app",
		"sources": ["foo.js"],
		"sourcesContent": ["const x = 1;\nconst y = 2;\n"],
		"names": [],
		"mappings": "AAAA;AACA"
	}`
	require.NoError(t, idx.Register("suite-1", []byte(withContent)))

	pos, ok := idx.Resolve("suite-1", 2, 0)
	require.True(t, ok)
	assert.Equal(t, 2, pos.Line)
	assert.Equal(t, "const y = 2;", pos.Code)
	assert.Equal(t, "webpack://app", pos.SourceRoot)
}

func TestResolveUnregisteredSuite(t *testing.T) {
	idx, err := New()
	require.NoError(t, err)

	_, ok := idx.Resolve("never-registered", 1, 0)
	assert.False(t, ok)
}

func TestRegisterRejectsMalformedMap(t *testing.T) {
	idx, err := New()
	require.NoError(t, err)

	err = idx.Register("bad", []byte("not json"))
	require.Error(t, err)
}

func TestForgetEvictsSuite(t *testing.T) {
	idx, err := New()
	require.NoError(t, err)
	require.NoError(t, idx.Register("suite-1", []byte(minimalMap)))

	idx.Forget("suite-1")

	_, ok := idx.Resolve("suite-1", 1, 0)
	assert.False(t, ok)
}
