package suite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cklxx-labs/parallex/internal/wire"
)

func TestTableCasesBuildsColumnKeyedRecords(t *testing.T) {
	cases, err := TableCases("a | b | expected", 1, 2, 3, 4, 5, 9)
	require.NoError(t, err)
	require.Len(t, cases, 2)

	assert.Equal(t, map[string]any{"a": 1, "b": 2, "expected": 3}, cases[0].Record)
	assert.Equal(t, map[string]any{"a": 4, "b": 5, "expected": 9}, cases[1].Record)
	require.Len(t, cases[0].Args, 1)
	assert.Equal(t, cases[0].Record, cases[0].Args[0])
}

func TestTableCasesRejectsRaggedRows(t *testing.T) {
	_, err := TableCases("a|b", 1, 2, 3)
	require.Error(t, err)
}

func TestPositionalCasesSpreadArrays(t *testing.T) {
	cases := PositionalCases([]any{1, 2, 3}, "single")
	require.Len(t, cases, 2)
	assert.Equal(t, []any{1, 2, 3}, cases[0].Args)
	assert.Equal(t, []any{"single"}, cases[1].Args)
}

func TestFormatDescriptionPositional(t *testing.T) {
	c := Case{Args: []any{1, 2, 3}, Index: 4}
	assert.Equal(t, "adds 1 + 2 = 3", FormatDescription("adds %d + %d = %d", c))

	c = Case{Args: []any{"x"}, Index: 2}
	assert.Equal(t, "case 2: x at 100%", FormatDescription("case %#: %s at 100%%", c))

	c = Case{Args: []any{map[string]any{"k": "v"}}}
	assert.Equal(t, `got {"k":"v"}`, FormatDescription("got %j", c))

	c = Case{Args: []any{1.5}}
	assert.Equal(t, "half of 3 is 1.5", FormatDescription("half of 3 is %f", c))
}

func TestFormatDescriptionNamed(t *testing.T) {
	c := Case{
		Args:   []any{map[string]any{"a": 1, "user": map[string]any{"name": "kim"}}},
		Record: map[string]any{"a": 1, "user": map[string]any{"name": "kim"}},
		Index:  0,
	}
	assert.Equal(t, "a=1 name=kim #0", FormatDescription("a=$a name=$user.name #$#", c))
	// unresolvable paths are left as-is rather than dropped.
	assert.Equal(t, "$missing", FormatDescription("$missing", c))
}

func TestEachCasesRegisterDistinctTests(t *testing.T) {
	var frames []wire.Frame
	s, err := New(RuntimeContext{}, func(b []byte) {
		f, decErr := wire.Decode(b)
		require.NoError(t, decErr)
		frames = append(frames, f)
	})
	require.NoError(t, err)

	cases := PositionalCases([]any{int64(1), int64(2), int64(3)}, []any{int64(2), int64(2), int64(4)})
	for _, c := range cases {
		args := c.Args
		require.NoError(t, s.AddTest(&Test{
			Description: FormatDescription("adds %d + %d = %d", c),
			Body: func(ctx context.Context) error {
				if args[0].(int64)+args[1].(int64) != args[2].(int64) {
					return assert.AnError
				}
				return nil
			},
		}))
	}

	require.NoError(t, s.Run(context.Background(), RunOptions{}))

	var started []string
	for _, f := range frames {
		if f.Type == wire.TypeStatus && f.Status.Status == wire.StatusStart {
			started = append(started, f.Status.Description)
		}
	}
	assert.Equal(t, []string{"adds 1 + 2 = 3", "adds 2 + 2 = 4"}, started)
	for _, f := range frames {
		if f.Type == wire.TypeAction {
			assert.Equal(t, wire.ActionSuccess, f.Action.Action)
		}
	}
}
