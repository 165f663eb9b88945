package filter

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/razel-build/razel/src/core"
)

func buildGraph(t *testing.T) *core.Graph {
	t.Helper()
	g := core.NewGraph()
	g.AddAction(&core.Action{Name: "compile_a", Tags: []string{"lang:go"}})
	g.AddAction(&core.Action{Name: "compile_b", Tags: []string{"lang:rust"}})
	g.AddAction(&core.Action{Name: "test_a", Deps: []string{"compile_a"}, Tags: []string{"lang:go", "slow"}})
	g.AddAction(&core.Action{Name: "test_b", Deps: []string{"compile_b"}, Tags: []string{"lang:rust"}})
	require.NoError(t, g.Connect())
	return g
}

func TestSelectByNameGlobIncludesDependencies(t *testing.T) {
	g := buildGraph(t)
	names, err := Select(g, Options{Patterns: []string{"test_a"}})
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{"compile_a", "test_a"}, names)
}

func TestSelectWithNoPatternsMatchesEverything(t *testing.T) {
	g := buildGraph(t)
	names, err := Select(g, Options{})
	require.NoError(t, err)
	assert.Len(t, names, 4)
}

func TestSelectByRegexAny(t *testing.T) {
	g := buildGraph(t)
	names, err := Select(g, Options{RegexAny: []string{"^lang:rust$"}})
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{"compile_b", "test_b"}, names)
}

func TestSelectByRegexAllRequiresEveryPattern(t *testing.T) {
	g := buildGraph(t)
	names, err := Select(g, Options{RegexAll: []string{"^lang:go$", "^slow$"}})
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{"compile_a", "test_a"}, names)
}

func TestSelectRejectsInvalidRegex(t *testing.T) {
	g := buildGraph(t)
	_, err := Select(g, Options{RegexAny: []string{"("}})
	assert.Error(t, err)
}
