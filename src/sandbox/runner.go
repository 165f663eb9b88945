// Package sandbox implements the core.Runner that actually executes an
// action: materialise its declared inputs into a private directory,
// run its command under a timeout, extract measurements, and link any
// declared outputs back into the razel-out workspace.
//
// Isolation is by directory, not by Linux mount namespace: every input is
// symlinked into a fresh, uuid-named sandbox directory and the command runs
// with that directory as its cwd, which is enough to stop one action from
// silently reading another's stray outputs without the platform-specific
// unshare/cgroup plumbing the teacher's src/sandbox package built.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/razel-build/razel/internal/razelerr"
	"github.com/razel-build/razel/src/core"
	"github.com/razel-build/razel/src/fs"
	"github.com/razel-build/razel/src/process"
	"github.com/razel-build/razel/src/task"
)

// measurementRegex matches CTest/Dart measurement tags a test binary prints
// to stdout, e.g. <CTestMeasurement type="numeric/double" name="time">1.23</CTestMeasurement>
// or <DartMeasurement type="numeric/integer" name="iterations">100</DartMeasurement>.
var measurementRegex = regexp.MustCompile(`(?s)<(?:CTest|Dart)Measurement type="([\w/]+)" name="([^"]+)">([^<]*)</(?:CTest|Dart)Measurement>`)

// failureDetailPatterns are scanned, in order, over a failed action's
// combined output to pull out a one-line cause for the failure event: a
// failed assertion, a Rust panic, or a line starting with "error:".
var failureDetailPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Assertion .* failed`),
	regexp.MustCompile(`thread '.*' panicked at .*`),
	regexp.MustCompile(`(?m)^error: .*$`),
}

// argMax is the conservative ceiling this runner holds argv to before
// spilling the tail into a response file; real platform ARG_MAX is usually
// much larger (getconf ARG_MAX is 2097152 on Linux), but a single safe
// constant avoids a cgo/syscall dependency just to read it per-OS, and the
// margin below keeps plenty of room for the environment block the kernel
// counts against the same limit.
const (
	argMax       = 131072
	argMaxMargin = 4096
)

// A Cache is consulted before running an action and updated after it
// succeeds. It is satisfied by the cache package's multiplexer; Runner
// works with a nil Cache too (always a miss, never stored), which is handy
// for tests that don't want cache side effects.
type Cache interface {
	Get(ctx context.Context, digest string, outDir string) (hit bool, err error)
	Put(ctx context.Context, digest string, outDir string, outputs []string) error
}

// Runner implements core.Runner against the local filesystem.
type Runner struct {
	// Root is the workspace directory; action Inputs are resolved relative
	// to it and razel-out lives under it.
	Root string
	// SandboxRoot holds per-action scratch directories, normally a temp
	// directory the caller cleans up on exit.
	SandboxRoot string
	Cache       Cache
	WASI        *WASIRunner

	digester     *core.Digester
	measureMutex sync.Mutex
}

// New returns a Runner rooted at root, staging sandboxes under sandboxRoot.
func New(root, sandboxRoot string, cache Cache) *Runner {
	return &Runner{
		Root:        root,
		SandboxRoot: sandboxRoot,
		Cache:       cache,
		digester:    core.NewDigester(fs.NewPathHasher(root)),
	}
}

// Run implements core.Runner.
func (r *Runner) Run(ctx context.Context, a *core.Action, attempt int) (core.ExecStatus, error) {
	// The non-sandboxed path runs directly in the workspace cwd and is
	// never cached, matching the "no-sandbox skips steps 1-3, excluded
	// from caching" rule.
	if a.NoSandbox {
		return r.execIn(ctx, r.Root, a)
	}

	_, _, actionDigest, err := r.digester.DigestAction(a, r.Root)
	if err != nil {
		return core.Failed, razelerr.New(razelerr.SandboxError, a.Name, fmt.Errorf("digesting: %w", err))
	}
	cacheKey := actionDigest.Hash + ":" + strconv.FormatInt(actionDigest.SizeBytes, 10)

	outDir := filepath.Join(r.Root, "razel-out", a.Name)
	if r.Cache != nil && !a.NoCache {
		if hit, err := r.Cache.Get(ctx, cacheKey, outDir); err == nil && hit {
			return core.Cached, nil
		}
	}

	sandboxDir := filepath.Join(r.SandboxRoot, uuid.New().String())
	if err := os.MkdirAll(sandboxDir, 0755); err != nil {
		return core.Failed, razelerr.New(razelerr.SandboxError, a.Name, fmt.Errorf("creating sandbox: %w", err))
	}
	defer os.RemoveAll(sandboxDir)

	if err := r.populate(sandboxDir, a); err != nil {
		return core.Failed, razelerr.New(razelerr.SandboxError, a.Name, fmt.Errorf("populating sandbox: %w", err))
	}

	status, err := r.execIn(ctx, sandboxDir, a)
	if err != nil || status != core.Succeeded {
		return status, err
	}

	if err := r.collectOutputs(sandboxDir, outDir, a.Outputs); err != nil {
		return core.Failed, razelerr.New(razelerr.ExecutionFailure, a.Name, fmt.Errorf("collecting outputs: %w", err))
	}

	if r.Cache != nil && !a.NoCache {
		if err := r.Cache.Put(ctx, cacheKey, outDir, a.Outputs); err != nil {
			return core.Failed, razelerr.New(razelerr.CacheIOError, a.Name, fmt.Errorf("storing cache entry: %w", err))
		}
	}
	return core.Succeeded, nil
}

// execIn runs a's command in dir: an in-process task handler if a.TaskKind
// is set, otherwise a native process or WASI module, recording any
// measurements the latter printed.
func (r *Runner) execIn(ctx context.Context, dir string, a *core.Action) (core.ExecStatus, error) {
	if a.TaskKind != "" {
		if err := task.Run(a.TaskKind, dir, a.Args[1:], a.Outputs); err != nil {
			return core.Failed, razelerr.New(razelerr.ExecutionFailure, a.Name, err)
		}
		return core.Succeeded, nil
	}

	args, err := expandResponseFiles(a.Args)
	if err != nil {
		return core.Failed, razelerr.New(razelerr.SandboxError, a.Name, fmt.Errorf("expanding response files: %w", err))
	}

	var stdout, stderr, combined []byte
	var runErr error
	if a.WASI {
		stdout, stderr, combined, runErr = r.WASI.Run(ctx, dir, a)
	} else {
		args, err = spillToResponseFile(dir, a.Name, args)
		if err != nil {
			return core.Failed, razelerr.New(razelerr.SandboxError, a.Name, fmt.Errorf("writing response file: %w", err))
		}
		stdout, stderr, combined, runErr = process.New().ExecWithTimeout(ctx, a.Name, dir, sortedEnvForExec(a), a.Timeout, args)
	}

	if err := r.captureStream(dir, a.CaptureStdout, stdout); err != nil {
		return core.Failed, razelerr.New(razelerr.SandboxError, a.Name, fmt.Errorf("capturing stdout: %w", err))
	}
	if err := r.captureStream(dir, a.CaptureStderr, stderr); err != nil {
		return core.Failed, razelerr.New(razelerr.SandboxError, a.Name, fmt.Errorf("capturing stderr: %w", err))
	}

	if measurements := extractMeasurements(stdout); len(measurements) > 0 {
		if err := r.recordMeasurements(a.Name, measurements); err != nil {
			return core.Failed, razelerr.New(razelerr.SandboxError, a.Name, fmt.Errorf("recording measurements: %w", err))
		}
	}

	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) {
			return core.Failed, razelerr.New(razelerr.TimeoutFailure, a.Name, fmt.Errorf("timed out after %s: %w", a.Timeout, runErr))
		}
		if detail := extractFailureDetail(combined); detail != "" {
			return core.Failed, razelerr.New(razelerr.ExecutionFailure, a.Name, fmt.Errorf("%w: %s", runErr, detail))
		}
		return core.Failed, razelerr.New(razelerr.ExecutionFailure, a.Name, fmt.Errorf("%w (output: %s)", runErr, combined))
	}
	return core.Succeeded, nil
}

// spillToResponseFile replaces args with a single "@response-file" argument
// once its total length approaches the platform's command-line limit,
// keeping only the executable (args[0]) on the literal command line. This is
// the write-side counterpart to expandResponseFiles, which only ever expands
// a pre-declared "@file" argument the build file already named; here the
// runner manufactures one at execution time, after any such expansion, so an
// action's argv can grow past ARG_MAX without the digest (computed over
// a.Args, never this runtime-expanded form) ever changing.
func spillToResponseFile(dir, name string, args []string) ([]string, error) {
	total := 0
	for _, arg := range args {
		total += len(arg) + 1
	}
	if total <= argMax-argMaxMargin || len(args) < 2 {
		return args, nil
	}
	respArg, err := writeResponseFile(dir, name, args[1:])
	if err != nil {
		return nil, err
	}
	return []string{args[0], respArg}, nil
}

// captureStream writes output to relPath under dir, the declared capture
// file for an action's stdout or stderr stream. A no-op if relPath is empty,
// i.e. the action didn't declare a stdout/stderr capture output.
func (r *Runner) captureStream(dir, relPath string, output []byte) error {
	if relPath == "" {
		return nil
	}
	dst := filepath.Join(dir, relPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, output, 0644)
}

// extractFailureDetail scans a failed action's combined output for a failed
// assertion, a Rust panic, or an "error: ..." line, returning the first one
// found so it can be surfaced alongside the raw exit error instead of
// forcing a reader to grep the full output themselves.
func extractFailureDetail(output []byte) string {
	for _, re := range failureDetailPatterns {
		if m := re.Find(output); m != nil {
			return string(m)
		}
	}
	return ""
}

// populate symlinks every declared input into the sandbox directory,
// preserving its relative path so the action's argv (which references
// inputs by that same relative path) needs no rewriting.
func (r *Runner) populate(sandboxDir string, a *core.Action) error {
	for _, in := range a.Inputs {
		src := filepath.Join(r.Root, in)
		dst := filepath.Join(sandboxDir, in)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if err := fs.Symlink(src, dst); err != nil {
			return fmt.Errorf("linking input %s: %w", in, err)
		}
	}
	return nil
}

// collectOutputs hardlinks (or copies, if linking fails) every declared
// output from the sandbox into outDir, the action's slot in razel-out.
func (r *Runner) collectOutputs(sandboxDir, outDir string, outputs []string) error {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	for _, out := range outputs {
		src := filepath.Join(sandboxDir, out)
		dst := filepath.Join(outDir, out)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		info, err := os.Lstat(src)
		if err != nil {
			return fmt.Errorf("expected output %s was not produced: %w", out, err)
		}
		if err := fs.RecursiveCopyOrLinkFile(src, dst, info.Mode(), true, true); err != nil {
			return err
		}
	}
	return nil
}

// SweepOrphans removes every entry under root/razel-out that doesn't
// correspond to a current action in graph, so outputs from actions removed
// or renamed since the previous run don't linger forever. Grounded on the
// teacher's src/gc package (graph-relative sweep of a tree for orphans),
// simplified here to an unconditional removal since razel has no
// interactive confirmation step.
func SweepOrphans(root string, graph *core.Graph) error {
	outRoot := filepath.Join(root, "razel-out")
	entries, err := os.ReadDir(outRoot)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Name() == "razel-metadata" || graph.Action(entry.Name()) != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(outRoot, entry.Name())); err != nil {
			return fmt.Errorf("sweeping orphaned output %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// measurement is one name/type/value triple scraped out of a
// CTestMeasurement or DartMeasurement tag.
type measurement struct {
	typ   string
	value string
}

// extractMeasurements scrapes <CTestMeasurement>/<DartMeasurement> tags out
// of an action's stdout, keyed by the tag's name attribute.
func extractMeasurements(stdout []byte) map[string]measurement {
	out := map[string]measurement{}
	for _, m := range measurementRegex.FindAllSubmatch(stdout, -1) {
		out[string(m[2])] = measurement{typ: string(m[1]), value: strings.TrimSpace(string(m[3]))}
	}
	return out
}

// sortedEnvForExec turns an Action's sortedEnv pairs into the form
// os/exec.Cmd.Env expects, plus a PATH fallback so actions that shell out
// to commands on the host PATH (rather than an absolute input path) still
// resolve them inside the sandbox.
func sortedEnvForExec(a *core.Action) []string {
	env := a.SortedEnv()
	hasPath := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			hasPath = true
			break
		}
	}
	if !hasPath {
		env = append(env, "PATH="+os.Getenv("PATH"))
	}
	return env
}

// recordMeasurements appends one CSV row per measurement to
// razel-metadata/measurements.csv under the workspace root, the
// supplemental per-action metrics file described alongside log.json and
// execution_times.json.
func (r *Runner) recordMeasurements(action string, measurements map[string]measurement) error {
	metaDir := filepath.Join(r.Root, "razel-metadata")
	if err := os.MkdirAll(metaDir, 0755); err != nil {
		return err
	}
	r.measureMutex.Lock()
	defer r.measureMutex.Unlock()
	f, err := os.OpenFile(filepath.Join(metaDir, "measurements.csv"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	now := time.Now().Format(time.RFC3339)
	for name, m := range measurements {
		if _, err := fmt.Fprintf(f, "%s,%s,%s,%s,%s\n", now, action, name, m.typ, m.value); err != nil {
			return err
		}
	}
	return nil
}
