package core

import "strings"

// a dependencyChain is a sequence of action names forming (or suspected of
// forming) a cycle, used only to build a readable error message once
// Graph.Connect's cycle check has already found that one exists.
type dependencyChain []string

func (c dependencyChain) String() string {
	return strings.Join(c, "\n -> ")
}

// FindCycle reconstructs one concrete dependency cycle reachable from
// start, for use in an error message. It assumes a cycle exists (i.e. is
// called after Graph.Connect has already reported one) and is not itself
// responsible for detecting one - Connect uses the dag library's own
// Validate for that, which is sufficient since razel.jsonl is loaded
// complete upfront rather than discovered incrementally by a live parser.
func (g *Graph) FindCycle(start string) []string {
	chain := dependencyChain{start}
	if found := g.buildCycle(chain); found != nil {
		return found
	}
	return nil
}

func (g *Graph) buildCycle(chain dependencyChain) dependencyChain {
	tail := chain[len(chain)-1]
	head := chain[0]
	for _, dep := range g.Dependencies(tail) {
		if dep.Name == head {
			return append(chain, dep.Name)
		}
		if newChain := g.buildCycle(append(chain, dep.Name)); newChain != nil {
			return newChain
		}
	}
	return nil
}
