// Package core holds the data model shared by every other package: the
// resolved Action a razel.jsonl command compiles down to, the DAG that
// connects actions by their input/output relationships, and the scheduler
// that walks that DAG.
package core

import (
	"sort"
	"time"
)

// An Action is a single resolved command, after razel.jsonl parsing has
// substituted all variables and settled its arguments, environment and
// declared outputs. It corresponds 1:1 to a [MODULE] task in the external
// build-file representation but carries none of that representation's
// syntax; everything here is already concrete.
type Action struct {
	// Name uniquely identifies this action within a single DAG.
	Name string
	// Args is the argv to execute. Args[0] is the executable (or, when WASI
	// is true, the .wasm module) to run.
	Args []string
	// Env is the set of environment variables visible to the process.
	Env map[string]string
	// Inputs lists paths (relative to the workspace root) this action reads.
	Inputs []string
	// Outputs lists paths this action is expected to produce, relative to
	// its sandbox directory.
	Outputs []string
	// Deps names other actions in the same DAG whose outputs this action
	// consumes. The scheduler will not start this action until they are
	// Done.
	Deps []string
	// Condition marks this action's failure as non-fatal: instead of
	// draining the run, every transitive dependent (by graph edge) becomes
	// Skipped rather than attempted.
	Condition bool
	// Tags holds every opaque user label attached to this action (the
	// reserved tags condition, no-cache, no-remote-cache, no-sandbox and
	// timeout:<n> are parsed into their own fields by the loader; quiet,
	// verbose and whatever else remains land here for the target filter's
	// --filter-regex/--filter-regex-all to match against).
	Tags []string
	// Timeout bounds how long the runner lets this action's process run
	// before escalating to SIGTERM then SIGKILL.
	Timeout time.Duration
	// WASI runs Args[0] as a WASI module in-process instead of exec'ing a
	// native binary.
	WASI bool
	// NoCache skips the cache lookup and store entirely for this action.
	NoCache bool
	// NoRemoteCache still consults/stores the local cache but never the
	// remote tier for this action.
	NoRemoteCache bool
	// NoSandbox runs this action directly in the workspace cwd instead of
	// a populated sandbox directory; such actions are never cached.
	NoSandbox bool
	// TaskKind names an in-process task handler (e.g. "csv-concat") to run
	// instead of spawning Args[0] as a process. Empty for a CustomCommand.
	TaskKind string
	// CaptureStdout, if set, is the declared output path the runner writes
	// this action's captured stdout stream to, relative to its sandbox
	// directory. Empty if the action doesn't capture stdout.
	CaptureStdout string
	// CaptureStderr is CaptureStdout's stderr counterpart.
	CaptureStderr string
}

// SortedEnv returns Env as "KEY=VALUE" pairs sorted by key, matching the
// REv2 requirement that a Command's environment variable list be sorted,
// not merely consistently ordered.
func (a *Action) SortedEnv() []string {
	keys := make([]string, 0, len(a.Env))
	for k := range a.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, len(keys))
	for i, k := range keys {
		env[i] = k + "=" + a.Env[k]
	}
	return env
}
