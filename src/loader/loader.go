// Package loader parses a razel.jsonl build file - one JSON object per
// line, each either a CustomCommand or a Task - into a core.Graph.
//
// Per the design notes, the loader is where the JSON build file's
// dynamically-typed `args` (plain strings mixed with file references)
// get normalized into a single tagged variant; every downstream
// component sees only concrete core.Action values and never has to
// re-derive which argument was which.
package loader

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/razel-build/razel/internal/razelerr"
	"github.com/razel-build/razel/src/core"
)

// reservedTags are tags with scheduler-visible semantics; everything else
// in an action's tag list is an opaque user label, left in core.Action.Tags
// for the target filter to match against.
const (
	tagQuiet         = "quiet"
	tagVerbose       = "verbose"
	tagCondition     = "condition"
	tagNoCache       = "no-cache"
	tagNoRemoteCache = "no-remote-cache"
	tagNoSandbox     = "no-sandbox"
	timeoutPrefix    = "timeout:"
)

// An Arg is one element of a raw action's args list: either a plain
// string literal or a reference to a workspace-relative file, matching
// the build file's "args: [str|filename]" shape. Unlike the distilled
// spec's prose, the wire format tags a file reference explicitly (a
// one-key {"file": "..."} object) rather than leaving the loader to
// guess from context, since guessing would make two structurally
// identical build files with different action ordering classify the
// same string differently.
type Arg struct {
	Literal string
	IsFile  bool
}

// UnmarshalJSON implements json.Unmarshaler, accepting either a bare
// JSON string (a literal) or {"file": "path"} (a file reference).
func (a *Arg) UnmarshalJSON(data []byte) error {
	var literal string
	if err := json.Unmarshal(data, &literal); err == nil {
		a.Literal, a.IsFile = literal, false
		return nil
	}
	var ref struct {
		File string `json:"file"`
	}
	if err := json.Unmarshal(data, &ref); err != nil {
		return fmt.Errorf("arg must be a string or {\"file\": ...}: %w", err)
	}
	a.Literal, a.IsFile = ref.File, true
	return nil
}

// RawAction is the on-the-wire shape of a single razel.jsonl line, before
// tag parsing and file classification. It also doubles as the batch
// importer's in-memory entry point (Load/LoadActions both end up here),
// so an external importer never has to round-trip through a temp file.
type RawAction struct {
	Name       string            `json:"name"`
	Task       string            `json:"task,omitempty"`
	Executable string            `json:"executable,omitempty"`
	Args       []Arg             `json:"args"`
	Env        map[string]string `json:"env,omitempty"`
	Inputs     []string          `json:"inputs,omitempty"`
	Outputs    []string          `json:"outputs,omitempty"`
	Stdout     string            `json:"stdout,omitempty"`
	Stderr     string            `json:"stderr,omitempty"`
	Deps       []string          `json:"deps,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
}

// Load reads path as newline-delimited JSON razel actions and returns the
// resulting, edge-connected Graph.
func Load(path string) (*core.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, razelerr.New(razelerr.LoadError, "", err)
	}
	defer f.Close()

	var raws []RawAction
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw RawAction
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, razelerr.New(razelerr.LoadError, "", fmt.Errorf("%s:%d: %w", path, lineNo, err))
		}
		raws = append(raws, raw)
	}
	if err := scanner.Err(); err != nil {
		return nil, razelerr.New(razelerr.LoadError, "", err)
	}
	return LoadActions(raws)
}

// LoadActions converts already-parsed raw actions (the batch importer's
// entry point) into a connected Graph.
func LoadActions(raws []RawAction) (*core.Graph, error) {
	graph := core.NewGraph()
	producedBy := map[string]string{} // output path -> owning action name

	actions := make([]*core.Action, 0, len(raws))
	for _, raw := range raws {
		a, err := convert(raw)
		if err != nil {
			return nil, err
		}
		for _, out := range a.Outputs {
			if owner, present := producedBy[out]; present {
				return nil, razelerr.New(razelerr.LoadError, a.Name,
					fmt.Errorf("output %q is produced by both %q and %q", out, owner, a.Name))
			}
			producedBy[out] = a.Name
		}
		actions = append(actions, a)
	}

	// A file appearing in args is classified as an input of this action
	// if some other action already declares it as an output; anything
	// still unowned is a plain data input (read-only, pre-existing).
	for i, raw := range raws {
		a := actions[i]
		seen := map[string]bool{}
		for _, in := range a.Inputs {
			seen[in] = true
		}
		for _, arg := range raw.Args {
			if !arg.IsFile || seen[arg.Literal] {
				continue
			}
			if owner, produced := producedBy[arg.Literal]; produced && owner != a.Name {
				a.Deps = appendUnique(a.Deps, owner)
			}
			if !containsOutput(a.Outputs, arg.Literal) {
				a.Inputs = append(a.Inputs, arg.Literal)
				seen[arg.Literal] = true
			}
		}
	}

	for _, a := range actions {
		if err := addAction(graph, a); err != nil {
			return nil, err
		}
	}
	if err := graph.Connect(); err != nil {
		return nil, razelerr.New(razelerr.LoadError, "", err)
	}
	return graph, nil
}

func addAction(graph *core.Graph, a *core.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = razelerr.New(razelerr.LoadError, a.Name, fmt.Errorf("%v", r))
		}
	}()
	graph.AddAction(a)
	return nil
}

// convert turns one RawAction into a core.Action: sanitizing its name,
// parsing its tag set, and flattening its args into plain argv strings
// (a file-reference arg's runtime value is just its workspace path).
func convert(raw RawAction) (*core.Action, error) {
	name := sanitizeName(raw.Name)
	if name == "" {
		return nil, razelerr.New(razelerr.LoadError, raw.Name, fmt.Errorf("action name must not be empty"))
	}

	condition, noCache, noRemoteCache, noSandbox, timeout, userTags := parseTags(raw.Tags)

	args := make([]string, 0, len(raw.Args)+1)
	if raw.Executable != "" {
		args = append(args, raw.Executable)
	} else if raw.Task != "" {
		args = append(args, raw.Task)
	}
	for _, arg := range raw.Args {
		args = append(args, arg.Literal)
	}

	outputs := make([]string, len(raw.Outputs))
	copy(outputs, raw.Outputs)
	if raw.Stdout != "" {
		outputs = append(outputs, raw.Stdout)
	}
	if raw.Stderr != "" {
		outputs = append(outputs, raw.Stderr)
	}

	return &core.Action{
		Name:          name,
		Args:          args,
		Env:           raw.Env,
		Inputs:        append([]string{}, raw.Inputs...),
		Outputs:       outputs,
		Deps:          append([]string{}, raw.Deps...),
		Condition:     condition,
		Timeout:       timeout,
		WASI:          strings.HasSuffix(raw.Executable, ".wasm"),
		Tags:          userTags,
		NoCache:       noCache,
		NoRemoteCache: noRemoteCache,
		NoSandbox:     noSandbox,
		TaskKind:      raw.Task,
		CaptureStdout: raw.Stdout,
		CaptureStderr: raw.Stderr,
	}, nil
}

// sanitizeName replaces colons with dots, matching the invariant that
// action names never contain a colon.
func sanitizeName(name string) string {
	return strings.ReplaceAll(name, ":", ".")
}

// parseTags splits a raw tag list into its reserved, scheduler-visible
// fields and the opaque labels left over for the target filter.
func parseTags(tags []string) (condition bool, noCache, noRemoteCache, noSandbox bool, timeout time.Duration, userTags []string) {
	for _, tag := range tags {
		switch {
		case tag == tagQuiet, tag == tagVerbose:
			userTags = append(userTags, tag)
		case tag == tagCondition:
			condition = true
		case tag == tagNoCache:
			noCache = true
		case tag == tagNoRemoteCache:
			noRemoteCache = true
		case tag == tagNoSandbox:
			noSandbox = true
		case strings.HasPrefix(tag, timeoutPrefix):
			if secs, err := strconv.Atoi(strings.TrimPrefix(tag, timeoutPrefix)); err == nil {
				timeout = time.Duration(secs) * time.Second
			}
		default:
			userTags = append(userTags, tag)
		}
	}
	return
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func containsOutput(outputs []string, path string) bool {
	for _, o := range outputs {
		if o == path || filepath.Clean(o) == filepath.Clean(path) {
			return true
		}
	}
	return false
}
