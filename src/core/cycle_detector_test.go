package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphConnectDetectsCycle(t *testing.T) {
	g := NewGraph()
	g.AddAction(&Action{Name: "a", Deps: []string{"b"}})
	g.AddAction(&Action{Name: "b", Deps: []string{"c"}})
	g.AddAction(&Action{Name: "c", Deps: []string{"a"}})

	assert.Error(t, g.Connect())
}

func TestFindCycleReportsChain(t *testing.T) {
	g := NewGraph()
	g.AddAction(&Action{Name: "a", Deps: []string{"b"}})
	g.AddAction(&Action{Name: "b", Deps: []string{"a"}})

	require.Error(t, g.Connect()) // wires the edges; cycle makes Validate fail

	chain := g.FindCycle("a")
	require.NotEmpty(t, chain)
	assert.Contains(t, chain, "a")
	assert.Contains(t, chain, "b")
}

func TestGraphConnectAcyclic(t *testing.T) {
	g := NewGraph()
	g.AddAction(&Action{Name: "a", Deps: []string{"b"}})
	g.AddAction(&Action{Name: "b"})

	require.NoError(t, g.Connect())
	deps := g.Dependencies("a")
	require.Len(t, deps, 1)
	assert.Equal(t, "b", deps[0].Name)
}
