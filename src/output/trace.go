// For writing out JSON trace files which Chrome can interpret nicely for us.
// See https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU

package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/chrometracing"

	"github.com/razel-build/razel/src/core"
)

// A Recorder drains an EventBus and assembles the run's two supplemental
// metadata files: log.json (a Chrome-tracing-format timeline, loadable in
// chrome://tracing) and execution_times.json (a flat action -> duration
// map). It also feeds each action's wall-clock span into
// github.com/google/chrometracing, which writes its own low-overhead profile
// only when that library is enabled; razel defines no flag that enables it.
type Recorder struct {
	mutex   sync.Mutex
	traces  []traceEntry
	times   map[string]time.Duration
	started map[string]time.Time
	open    map[string]*chrometracing.PendingEvent
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		times:   map[string]time.Duration{},
		started: map[string]time.Time{},
		open:    map[string]*chrometracing.PendingEvent{},
	}
}

// Run drains bus until it is closed, recording every event. It returns once
// the bus's channel closes, so callers typically run it in its own
// goroutine alongside the scheduler.
func (r *Recorder) Run(bus *core.EventBus) {
	for e := range bus.Subscribe() {
		r.record(e)
	}
}

func (r *Recorder) record(e *core.Event) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if e.Status == core.Running {
		r.started[e.Action] = e.Time
		r.open[e.Action] = chrometracing.Event(e.Action)
		r.traces = append(r.traces, traceEntry{
			Name: e.Action, Cat: "run", Ph: "B",
			Tid: fmt.Sprintf("worker-%d", e.ThreadID), Ts: e.Time.UnixNano() / 1000,
		})
		return
	}

	if tracer, ok := r.open[e.Action]; ok {
		tracer.Done()
		delete(r.open, e.Action)
	}
	entry := traceEntry{
		Name: e.Action, Cat: e.Status.String(), Ph: "E",
		Tid: fmt.Sprintf("worker-%d", e.ThreadID), Ts: e.Time.UnixNano() / 1000,
	}
	if e.Err != nil {
		entry.Args.Err = e.Err.Error()
	}
	r.traces = append(r.traces, entry)

	if start, ok := r.started[e.Action]; ok {
		r.times[e.Action] = e.Time.Sub(start)
		delete(r.started, e.Action)
	}
}

// Flush writes log.json and execution_times.json under metaDir.
func (r *Recorder) Flush(metaDir string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if err := os.MkdirAll(metaDir, 0755); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(metaDir, "log.json"), r.formatTrace()); err != nil {
		return err
	}
	return writeJSON(filepath.Join(metaDir, "execution_times.json"), r.formatTimes())
}

func (r *Recorder) formatTrace() traceObjectFormat {
	var out traceObjectFormat
	out.TraceEvents = r.traces
	return out
}

func (r *Recorder) formatTimes() map[string]float64 {
	out := make(map[string]float64, len(r.times))
	for name, d := range r.times {
		out[name] = d.Seconds()
	}
	return out
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

type traceObjectFormat struct {
	TraceEvents []traceEntry `json:"traceEvents"`
}

type traceEntry struct {
	Name string `json:"name"`
	Cat  string `json:"cat"`
	Ph   string `json:"ph"`
	Tid  string `json:"tid"`
	Ts   int64  `json:"ts"`
	Args struct {
		Err string `json:"err,omitempty"`
	} `json:"args"`
}
