package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/razel-build/razel/src/core"
)

// A WASIRunner executes an Action whose Args[0] names a .wasm module
// in-process via wazero, rather than exec'ing a native binary. This is the
// one runner shape the teacher has no analogue for: every native process
// concern (isolate inputs, capture output, enforce a timeout) still
// applies, but there's no subprocess to SIGTERM, only a context to cancel.
type WASIRunner struct {
	runtime wazero.Runtime

	mutex    sync.Mutex
	compiled map[string]wazero.CompiledModule
}

// NewWASIRunner constructs a WASIRunner backed by a single wazero runtime,
// shared across every WASI action so module compilation is cached.
func NewWASIRunner(ctx context.Context) (*WASIRunner, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return &WASIRunner{runtime: rt, compiled: map[string]wazero.CompiledModule{}}, nil
}

// Run executes a.Args[0] as a WASI module with a.Args[1:] as argv, cwd'd at
// dir, returning its stdout alone, stderr alone, and the two combined.
func (w *WASIRunner) Run(ctx context.Context, dir string, a *core.Action) ([]byte, []byte, []byte, error) {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	compiled, err := w.compile(ctx, a.Args[0])
	if err != nil {
		return nil, nil, nil, err
	}

	var out, errOut, combined bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithStdout(io.MultiWriter(&out, &combined)).
		WithStderr(io.MultiWriter(&errOut, &combined)).
		WithArgs(a.Args...).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(dir, "/")).
		WithName("")
	for _, kv := range a.SortedEnv() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				cfg = cfg.WithEnv(kv[:i], kv[i+1:])
				break
			}
		}
	}

	_, runErr := w.runtime.InstantiateModule(ctx, compiled, cfg)
	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return out.Bytes(), errOut.Bytes(), combined.Bytes(), fmt.Errorf("wasi module timed out: %w", ctx.Err())
		}
		return out.Bytes(), errOut.Bytes(), combined.Bytes(), fmt.Errorf("wasi module exited with error: %w", runErr)
	}
	return out.Bytes(), errOut.Bytes(), combined.Bytes(), nil
}

func (w *WASIRunner) compile(ctx context.Context, path string) (wazero.CompiledModule, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if c, ok := w.compiled[path]; ok {
		return c, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading wasm module %s: %w", path, err)
	}
	c, err := w.runtime.CompileModule(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("compiling wasm module %s: %w", path, err)
	}
	w.compiled[path] = c
	return c, nil
}

// Close releases the underlying wazero runtime.
func (w *WASIRunner) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}
