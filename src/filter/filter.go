// Package filter computes the minimal executable subgraph a razel
// invocation actually needs to run: the actions matched by the user's
// positional name patterns and --filter-regex flags, plus everything they
// transitively depend on.
//
// Grounded on the teacher's src/query/filter.go (a label include/exclude
// matcher run over a BuildGraph), generalised from please's labels-only
// matching to this spec's glob-on-name plus regex-on-tag split.
package filter

import (
	"fmt"
	"regexp"

	"github.com/gobwas/glob"

	"github.com/razel-build/razel/src/core"
)

// Options configures a filter pass. Patterns are glob patterns matched
// against an action's Name; an empty Patterns list matches every action.
// RegexAny requires at least one of an action's Tags to match any of the
// given regexes; RegexAll requires every given regex to be matched by at
// least one tag.
type Options struct {
	Patterns []string
	RegexAny []string
	RegexAll []string
}

// Select returns the names of every action matching opts, plus everything
// they transitively depend on, so the result is always a runnable
// subgraph rather than a set of dangling targets.
func Select(graph *core.Graph, opts Options) ([]string, error) {
	nameMatchers, err := compileGlobs(opts.Patterns)
	if err != nil {
		return nil, err
	}
	anyRe, err := compileRegexes(opts.RegexAny)
	if err != nil {
		return nil, err
	}
	allRe, err := compileRegexes(opts.RegexAll)
	if err != nil {
		return nil, err
	}

	matched := map[string]bool{}
	for _, a := range graph.AllActions() {
		if matches(a, nameMatchers, anyRe, allRe) {
			matched[a.Name] = true
		}
	}

	closure := map[string]bool{}
	for name := range matched {
		includeDeps(graph, name, closure)
	}

	out := make([]string, 0, len(closure))
	for name := range closure {
		out = append(out, name)
	}
	return out, nil
}

func matches(a *core.Action, names []glob.Glob, anyRe, allRe []*regexp.Regexp) bool {
	if len(names) > 0 && !matchesAnyGlob(a.Name, names) {
		return false
	}
	if len(anyRe) > 0 && !tagMatchesAny(a.Tags, anyRe) {
		return false
	}
	for _, re := range allRe {
		if !tagMatchesAny(a.Tags, []*regexp.Regexp{re}) {
			return false
		}
	}
	return true
}

func matchesAnyGlob(name string, globs []glob.Glob) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func tagMatchesAny(tags []string, res []*regexp.Regexp) bool {
	for _, tag := range tags {
		for _, re := range res {
			if re.MatchString(tag) {
				return true
			}
		}
	}
	return false
}

// includeDeps walks name's dependencies into closure, already-visited
// names short-circuiting to keep this linear in graph size.
func includeDeps(graph *core.Graph, name string, closure map[string]bool) {
	if closure[name] {
		return
	}
	closure[name] = true
	for _, dep := range graph.Dependencies(name) {
		includeDeps(graph, dep.Name, closure)
	}
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func compileRegexes(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid filter regex %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
