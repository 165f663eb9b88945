// razel executes the DAG of commands and tasks declared in a razel.jsonl
// build file, with content-addressed caching compatible with the Bazel
// Remote Execution v2 protocol, sandboxed parallel execution, and output
// linking into razel-out.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/thought-machine/go-flags"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/razel-build/razel/src/cache"
	"github.com/razel-build/razel/src/cli/logging"
	"github.com/razel-build/razel/src/core"
	"github.com/razel-build/razel/src/filter"
	"github.com/razel-build/razel/src/fs"
	"github.com/razel-build/razel/src/loader"
	"github.com/razel-build/razel/src/metrics"
	"github.com/razel-build/razel/src/output"
	"github.com/razel-build/razel/src/sandbox"
)

var log = logging.Log

// razelVersion is bumped manually; razel has no self-update mechanism, so
// there's no equivalent of the teacher's build-time-injected PleaseVersion.
const razelVersion = "0.1.0"

var opts struct {
	Usage string `usage:"razel runs a DAG of commands and tasks with content-addressed, Bazel-REv2-compatible caching.\n\nSee razel.jsonl for the build file format."`

	CacheFlags struct {
		CacheDir             string  `long:"cache_dir" env:"RAZEL_CACHE_DIR" default:"~/.cache/razel" description:"Local directory cache root."`
		CacheHighWaterMarkMB uint64  `long:"cache_high_water_mark_mb" description:"Evict local cache entries once this size is exceeded (0 disables eviction)."`
		CacheLowWaterMarkMB  uint64  `long:"cache_low_water_mark_mb" description:"Evict the local cache down to this size."`
		HTTPCache            string  `long:"http_cache" description:"Base URL of an HTTP cache to read and write through."`
		HTTPCacheWritable    bool    `long:"http_cache_writable" description:"Allow storing to the HTTP cache, not just reading from it."`
		RemoteCache          string  `long:"remote_cache" env:"RAZEL_REMOTE_CACHE" description:"Address of a Bazel Remote Execution v2 cache server, host:port[/instance]."`
		RemoteCacheThreshold float64 `long:"remote_cache_threshold" env:"REMOTE_CACHE_THRESHOLD" description:"Parsed but not applied: uploads to the remote cache are not filtered by output size or execution time."`
	} `group:"Options controlling caching"`

	RunFlags struct {
		Jobs        int    `short:"j" long:"jobs" description:"Maximum number of actions to run concurrently. Defaults to NumCPU."`
		MetricsAddr string `long:"metrics_addr" description:"If set, serve Prometheus metrics on this address (e.g. :9100) for the lifetime of the run."`
	} `group:"Options controlling execution"`

	FilterFlags struct {
		Filter         []string `long:"filter" description:"Glob pattern matched against action names; matches and their dependencies are the only actions run."`
		FilterRegex    []string `long:"filter_regex" description:"Regex matched against an action's tags; an action is included if any pattern matches."`
		FilterRegexAll []string `long:"filter_regex_all" description:"Regex matched against an action's tags; an action is included only if every pattern matches."`
	} `group:"Options controlling which actions run"`

	Info    bool `long:"info" description:"Print scheduler stats as actions complete instead of per-action log lines."`
	Verbose bool `short:"v" long:"verbose" description:"Enable debug-level logging."`

	HelpFlags struct {
		Version bool `long:"version" description:"Print the version of razel"`
	} `group:"Help Options"`

	Exec struct {
		File string `short:"f" long:"file" default:"razel.jsonl" description:"Build file to load and execute."`
	} `command:"exec" description:"Loads and executes a razel.jsonl build file."`

	Import struct {
		Args struct {
			Batch string `positional-arg-name:"batch" description:"Pre-built batch file (JSON array of actions) to convert."`
		} `positional-args:"true" required:"true"`
		Out string `long:"out" default:"razel.jsonl" description:"Output build file path."`
	} `command:"import" description:"Converts a pre-built batch of actions into a razel.jsonl build file."`

	System struct {
		CheckRemoteCache struct {
		} `command:"check-remote-cache" description:"Checks connectivity and capabilities of the configured --remote_cache."`
	} `command:"system" description:"Maintenance subcommands."`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	parser := flags.NewParser(&opts, flags.Default)
	remaining, err := parser.ParseArgs(args)
	if err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		return 1
	}
	if opts.HelpFlags.Version {
		fmt.Printf("razel version %s\n", razelVersion)
		return 0
	}

	level := logging.WARNING
	if opts.Verbose {
		level = logging.DEBUG
	}
	logging.Init(level)
	if _, err := maxprocs.Set(maxprocs.Logger(log.Info)); err != nil {
		log.Warningf("failed to set GOMAXPROCS: %s", err)
	}

	if len(remaining) > 0 {
		log.Warningf("ignoring unrecognised arguments: %v", remaining)
	}

	command := activeCommand(parser.Active)
	switch command {
	case "exec":
		return runExec()
	case "import":
		return runImport()
	case "check-remote-cache":
		return runCheckRemoteCache()
	default:
		parser.WriteHelp(os.Stderr)
		return 1
	}
}

// activeCommand walks to the innermost active subcommand (e.g. "system
// check-remote-cache" resolves to "check-remote-cache"), the same nested-
// command resolution the teacher's cli.ActiveFullCommand performs, trimmed
// to just the leaf name since razel has no dotted command namespacing.
func activeCommand(cmd *flags.Command) string {
	if cmd == nil {
		return ""
	}
	for {
		if active := cmd.Active; active != nil {
			cmd = active
			continue
		}
		return cmd.Name
	}
}

func runExec() int {
	root, err := os.Getwd()
	if err != nil {
		log.Errorf("getting working directory: %s", err)
		return 1
	}

	graph, err := loader.Load(opts.Exec.File)
	if err != nil {
		log.Errorf("loading %s: %s", opts.Exec.File, err)
		return 1
	}

	if len(opts.FilterFlags.Filter) > 0 || len(opts.FilterFlags.FilterRegex) > 0 || len(opts.FilterFlags.FilterRegexAll) > 0 {
		names, err := filter.Select(graph, filter.Options{
			Patterns: opts.FilterFlags.Filter,
			RegexAny: opts.FilterFlags.FilterRegex,
			RegexAll: opts.FilterFlags.FilterRegexAll,
		})
		if err != nil {
			log.Errorf("applying filter: %s", err)
			return 1
		}
		graph, err = subgraph(graph, names)
		if err != nil {
			log.Errorf("building filtered graph: %s", err)
			return 1
		}
	}

	if err := sandbox.SweepOrphans(root, graph); err != nil {
		log.Warningf("sweeping orphaned outputs: %s", err)
	}

	mux, closeCaches, err := buildCache()
	if err != nil {
		log.Errorf("configuring cache: %s", err)
		return 1
	}
	defer closeCaches()

	sandboxRoot, err := os.MkdirTemp("", "razel-sandbox-")
	if err != nil {
		log.Errorf("creating sandbox root: %s", err)
		return 1
	}
	defer os.RemoveAll(sandboxRoot)

	runner := sandbox.New(root, sandboxRoot, mux)
	wasiRunner, err := sandbox.NewWASIRunner(context.Background())
	if err != nil {
		log.Errorf("starting WASI runtime: %s", err)
		return 1
	}
	defer wasiRunner.Close(context.Background())
	runner.WASI = wasiRunner

	jobs := opts.RunFlags.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	bus := core.NewEventBus(256)
	stats := core.NewStatsTracker(jobs, 0)
	reg := metrics.New()
	stats.UseMetrics(reg)
	if opts.RunFlags.MetricsAddr != "" {
		stopMetrics := serveMetrics(opts.RunFlags.MetricsAddr, reg)
		defer stopMetrics()
	}
	scheduler := core.NewScheduler(graph, runner, bus, stats)
	scheduler.UseOOMController(core.NewOOMController(core.NewResourceMonitor()))

	recorder := output.NewRecorder()
	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		if opts.Info {
			drainAsStats(bus, stats)
		} else {
			recorder.Run(bus)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-interrupts; ok {
			log.Warning("interrupted, draining in-flight actions and cancelling the rest")
			cancel()
		}
	}()

	runErr := scheduler.Run(ctx, jobs)
	signal.Stop(interrupts)
	close(interrupts)
	bus.Close()
	<-recorderDone

	if !opts.Info {
		if err := recorder.Flush(filepath.Join(root, "razel-out", "razel-metadata")); err != nil {
			log.Warningf("writing trace metadata: %s", err)
		}
	}
	if runErr != nil {
		log.Errorf("scheduler: %s", runErr)
		return 1
	}
	return exitCode(scheduler, graph)
}

// exitCode implements spec §7's exit-code rule: the first failed action's
// own exit code if there's exactly one kind of failure across the run,
// otherwise a generic non-zero code. Failures of condition-tagged actions
// are non-fatal and do not count.
func exitCode(scheduler *core.Scheduler, graph *core.Graph) int {
	code := 0
	for _, name := range scheduler.Failed() {
		if a := graph.Action(name); a != nil && a.Condition {
			continue
		}
		c := exitCodeOf(scheduler.ActionErr(name))
		if c == 0 {
			c = 1
		}
		if code == 0 {
			code = c
		} else if c != code {
			return 1
		}
	}
	return code
}

func runImport() int {
	data, err := os.ReadFile(opts.Import.Args.Batch)
	if err != nil {
		log.Errorf("reading batch file: %s", err)
		return 1
	}
	// Per the loader's batch importer compatibility hook, a batch file is
	// just a JSON array of RawAction in the razel.jsonl object shape; the
	// actual upstream batch format conversion is an external collaborator's
	// concern razel only needs to hand a supported entry point to.
	var raws []loader.RawAction
	if err := json.Unmarshal(data, &raws); err != nil {
		log.Errorf("parsing batch file: %s", err)
		return 1
	}
	out, err := os.Create(opts.Import.Out)
	if err != nil {
		log.Errorf("creating %s: %s", opts.Import.Out, err)
		return 1
	}
	defer out.Close()
	enc := json.NewEncoder(out)
	for _, raw := range raws {
		if err := enc.Encode(raw); err != nil {
			log.Errorf("writing %s: %s", opts.Import.Out, err)
			return 1
		}
	}
	log.Noticef("wrote %d action(s) to %s", len(raws), opts.Import.Out)
	return 0
}

func runCheckRemoteCache() int {
	if opts.CacheFlags.RemoteCache == "" {
		log.Error("--remote_cache must be set to check remote cache connectivity")
		return 1
	}
	addr, instance := parseRemoteCacheAddr(opts.CacheFlags.RemoteCache)
	remote, err := cache.NewRemoteCache(addr, instance)
	if err != nil {
		log.Errorf("dialling remote cache: %s", err)
		return 1
	}
	defer remote.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := remote.Check(ctx); err != nil {
		log.Errorf("remote cache check failed: %s", err)
		return 1
	}
	fmt.Println("remote cache OK")
	return 0
}

// parseRemoteCacheAddr splits the wire-protocol endpoint form
// "grpc://host:port[/instance]" (scheme optional) into the bare host:port
// grpc.Dial wants and the REv2 instance name.
func parseRemoteCacheAddr(raw string) (addr, instance string) {
	raw = strings.TrimPrefix(raw, "grpc://")
	addr, instance, _ = strings.Cut(raw, "/")
	return addr, instance
}

// buildCache assembles a Multiplexer from whichever cache tiers were
// configured, local directory first, then HTTP, then the remote REv2
// server, matching the "fastest/cheapest first" preference order the
// teacher's cacheMultiplexer expects.
func buildCache() (*cache.Multiplexer, func(), error) {
	var tiers []cache.Cache
	closers := []func(){}

	dir, err := cache.NewDirCache(fs.ExpandHomePath(opts.CacheFlags.CacheDir),
		opts.CacheFlags.CacheHighWaterMarkMB*1024*1024, opts.CacheFlags.CacheLowWaterMarkMB*1024*1024)
	if err != nil {
		return nil, nil, fmt.Errorf("creating local cache: %w", err)
	}
	tiers = append(tiers, dir)

	if opts.CacheFlags.HTTPCache != "" {
		tiers = append(tiers, cache.NewHTTPCache(opts.CacheFlags.HTTPCache, opts.CacheFlags.HTTPCacheWritable, 0))
	}

	if opts.CacheFlags.RemoteCache != "" {
		addr, instance := parseRemoteCacheAddr(opts.CacheFlags.RemoteCache)
		remote, err := cache.NewRemoteCache(addr, instance)
		if err != nil {
			return nil, nil, fmt.Errorf("creating remote cache: %w", err)
		}
		tiers = append(tiers, remote)
		closers = append(closers, func() { remote.Close() })
	}

	return cache.NewMultiplexer(tiers...), func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

// serveMetrics starts a background HTTP server exposing reg in the
// Prometheus text exposition format on addr, returning a func that shuts it
// down. Listen errors are logged rather than fatal, since a broken
// --metrics_addr shouldn't take down the actual build.
func serveMetrics(addr string, reg *metrics.Registry) func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		if err := reg.WriteText(w); err != nil {
			log.Warningf("writing metrics response: %s", err)
		}
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warningf("metrics server on %s: %s", addr, err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// drainAsStats services --info mode: instead of recording a trace, it just
// drains the bus (the scheduler's StatsTracker is already updated
// independently) so Publish never blocks on a full buffer.
func drainAsStats(bus *core.EventBus, stats *core.StatsTracker) {
	for range bus.Subscribe() {
		s := stats.Snapshot()
		log.Infof("queue=%d running=%d hits=%d misses=%d", s.QueueDepth, s.Running, s.CacheHits, s.CacheMisses)
	}
}

// exitCodeOf recovers the underlying process exit code from a Runner
// error, if there is one; action failures that aren't a plain nonzero exit
// (missing output, timeout, sandbox error) fall back to the generic 1.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

// subgraph builds a new Graph containing only the named actions (and, by
// construction of filter.Select, everything they depend on), so a filtered
// run never has to special-case the scheduler with a partial graph.
func subgraph(graph *core.Graph, names []string) (*core.Graph, error) {
	out := core.NewGraph()
	for _, name := range names {
		out.AddAction(graph.Action(name))
	}
	if err := out.Connect(); err != nil {
		return nil, err
	}
	return out, nil
}
