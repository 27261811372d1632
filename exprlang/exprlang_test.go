package exprlang

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvalBoolEmptyIsUnconditional(t *testing.T) {
	ev := New()
	ok, err := ev.EvalBool("", Env{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalBoolReadsSections(t *testing.T) {
	ev := New()
	env := Env{
		Input: map[string]any{"mode": "strict"},
		State: map[string]any{"count": 3},
	}
	ok, err := ev.EvalBool(`input.mode == "strict" && state.count > 2`, env)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ev.EvalBool(`input.mode == "lax"`, env)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvalBoolNonBoolIsError(t *testing.T) {
	ev := New()
	_, err := ev.EvalBool(`input.mode`, Env{Input: map[string]any{"mode": "strict"}})
	require.Error(t, err)
}

func TestEvalCollection(t *testing.T) {
	ev := New()
	env := Env{Input: map[string]any{"items": []any{"a", "b", "c"}}}
	items, err := ev.EvalCollection("input.items", env)
	require.NoError(t, err)
	require.Equal(t, []any{"a", "b", "c"}, items)
}

func TestCompileCaches(t *testing.T) {
	ev := New()
	_, err := ev.Compile(`input.mode == "strict"`)
	require.NoError(t, err)
	require.Len(t, ev.cache, 1)
	_, err = ev.Compile(`input.mode == "strict"`)
	require.NoError(t, err)
	require.Len(t, ev.cache, 1)
}

func TestGetSetPath(t *testing.T) {
	root := map[string]any{}
	SetPath(root, "votes.count", 3)
	v, ok := GetPath(root, "votes.count")
	require.True(t, ok)
	require.Equal(t, 3, v)

	_, ok = GetPath(root, "votes.missing")
	require.False(t, ok)
}

func TestSectionRoot(t *testing.T) {
	section, rest, err := SectionRoot("state.votes")
	require.NoError(t, err)
	require.Equal(t, "state", section)
	require.Equal(t, "votes", rest)

	_, _, err = SectionRoot("bogus.votes")
	require.Error(t, err)
}
