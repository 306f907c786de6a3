package reporter_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cklxx-labs/parallex/internal/coordinator"
	"github.com/cklxx-labs/parallex/internal/reporter"
	"github.com/cklxx-labs/parallex/internal/srcmap"
	"github.com/cklxx-labs/parallex/internal/wire"
)

const identitySourceMap = `{
  "version": 3,
  "sources": ["src.js"],
  "sourcesContent": ["line one\nline two\n"],
  "names": [],
  "mappings": "AAAA;AACA"
}`

func newIndex(t *testing.T) *srcmap.Index {
	t.Helper()
	idx, err := srcmap.New()
	require.NoError(t, err)
	require.NoError(t, idx.Register("suite1", []byte(identitySourceMap)))
	return idx
}

func TestHandleStatusExpandsEnumsAndAncestry(t *testing.T) {
	h := reporter.New(newIndex(t))
	ancestry, _ := json.Marshal([]string{"parent", "child"})
	ev := coordinator.Event{
		SuiteID: "suite1",
		RelPath: "a/b.test.js",
		Frame: wire.Frame{
			Type: wire.TypeStatus,
			Status: &wire.StatusFrame{
				Kind: wire.KindTest, Status: wire.StatusStart,
				Ancestry: string(ancestry), Description: "does a thing",
			},
		},
	}

	msg := h.HandleStatus(ev)
	require.Equal(t, "test", msg.Kind)
	require.Equal(t, "start", msg.Status)
	require.Equal(t, []string{"parent", "child"}, msg.Ancestry)
	require.Equal(t, "a/b.test.js", msg.SuiteName)
}

func TestHandleLogResolvesSourceJoinedAgainstSuiteDir(t *testing.T) {
	h := reporter.New(newIndex(t))
	ev := coordinator.Event{
		SuiteID: "suite1",
		RelPath: "nested/dir/bundle.test.js",
		Frame: wire.Frame{
			Type: wire.TypeLog,
			Log: &wire.LogBody{
				Level: 1, Description: "hello", Location: wire.Location{Line: 1, Column: 1},
			},
		},
	}

	msg := h.HandleLog(ev)
	require.True(t, msg.Location.Present)
	require.Equal(t, "nested/dir/src.js", msg.Location.Source)
}

func TestHandleActionParsesEmbeddedErrorsTolerantly(t *testing.T) {
	h := reporter.New(newIndex(t))
	ancestry, _ := json.Marshal([]string{})
	errs := `[{"name":"Error","message":"boom","stack":"Error: boom\n    at f (suite1:1:1)\n"}]`
	ev := coordinator.Event{
		SuiteID: "suite1",
		RelPath: "a.test.js",
		Frame: wire.Frame{
			Type: wire.TypeAction,
			Action: &wire.ActionFrame{
				Kind: wire.KindTest, Action: wire.ActionFailure,
				Ancestry: string(ancestry), Description: "t", Errors: errs, Duration: 5,
			},
		},
	}

	msg := h.HandleAction(ev)
	require.Equal(t, "failure", msg.Action)
	require.Len(t, msg.Errors, 1)
	require.Equal(t, "boom", msg.Errors[0].Message)
}

func TestHandleActionDegradesOnUnparseableErrors(t *testing.T) {
	h := reporter.New(newIndex(t))
	ev := coordinator.Event{
		SuiteID: "suite1",
		RelPath: "a.test.js",
		Frame: wire.Frame{
			Type: wire.TypeAction,
			Action: &wire.ActionFrame{
				Kind: wire.KindTest, Action: wire.ActionFailure,
				Ancestry: "[]", Description: "t", Errors: "not json at all {{{",
			},
		},
	}

	msg := h.HandleAction(ev)
	require.Empty(t, msg.Errors)
}
