// Walks the command graph bottom-up, running each action once all of its
// dependencies are Done, fanning work out across a bounded worker pool.
//
// The teacher's src/core/pool.go is a raw buffered channel of func();
// here we reach for golang.org/x/sync/errgroup and golang.org/x/sync/semaphore
// instead, the same pairing vercel-turbo's own task scheduler uses to cap
// fan-out while still propagating the first error and cancelling the rest.

package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// A Runner executes a single Action to completion (or failure) and reports
// which terminal ExecStatus it landed in. Implementations live in the
// sandbox package; core only depends on this interface so the graph walk
// never has to know about process lifecycles, cache lookups or WASI.
type Runner interface {
	Run(ctx context.Context, a *Action, attempt int) (ExecStatus, error)
}

// A Scheduler drives one pass over a Graph, respecting dependency order and
// the Condition-propagated Skipped state.
type Scheduler struct {
	graph  *Graph
	runner Runner
	bus    *EventBus
	stats  *StatsTracker
	oom    *OOMController

	mutex       sync.Mutex
	status      map[string]ExecStatus
	errs        map[string]error // non-nil for any action that finished Failed
	parallelism int              // current effective cap, halved by the OOM controller on retry
}

// NewScheduler constructs a Scheduler bound to graph, executing actions via
// runner and reporting progress on bus and stats.
func NewScheduler(graph *Graph, runner Runner, bus *EventBus, stats *StatsTracker) *Scheduler {
	return &Scheduler{
		graph:  graph,
		runner: runner,
		bus:    bus,
		stats:  stats,
		status: make(map[string]ExecStatus, graph.Len()),
		errs:   map[string]error{},
	}
}

// UseOOMController attaches the retry/OOM controller actions are checked
// against after a Failed run. Optional: a Scheduler with none attached never
// retries, which is what the existing unit tests rely on.
func (s *Scheduler) UseOOMController(c *OOMController) {
	s.mutex.Lock()
	s.oom = c
	s.mutex.Unlock()
}

// halveParallelism lowers the scheduler's advertised parallelism cap and
// reports it to stats/metrics. It does not shrink the semaphore actually
// gating concurrent dispatch in Run -- doing that safely while goroutines
// are mid-flight would need the semaphore to support revoking already-issued
// weight, which golang.org/x/sync/semaphore doesn't -- so this is advisory:
// it tells an operator watching --info or /metrics that the controller has
// backed off, without structurally blocking new dispatches below the
// original cap. See DESIGN.md.
func (s *Scheduler) halveParallelism() {
	s.mutex.Lock()
	if s.parallelism > 1 {
		s.parallelism /= 2
	}
	n := s.parallelism
	s.mutex.Unlock()
	s.stats.SetParallelism(n)
}

// Run executes every action in graph, respecting dependency order, and
// returns once all of them have reached a terminal state or ctx is
// cancelled. parallelism caps how many actions may run concurrently and stays
// fixed for the whole pass; halveParallelism only lowers the figure reported
// to stats.
func (s *Scheduler) Run(ctx context.Context, parallelism int) error {
	sem := semaphore.NewWeighted(int64(parallelism))
	group, baseCtx := errgroup.WithContext(ctx)
	// gctx is cancelled both by the caller's ctx (user interrupt) and by
	// this scheduler's own drain() once any non-condition action fails, so
	// a single cancellation signal reaches the dispatch loop, the
	// semaphore wait and every in-flight action's process.
	gctx, drain := context.WithCancel(baseCtx)
	defer drain()

	// slots hands out a small worker-thread index to each concurrently
	// running action so output.Recorder's Chrome trace renders genuinely
	// parallel spans instead of stacking everything onto one synthetic
	// thread.
	slots := make(chan int, parallelism)
	for i := 0; i < parallelism; i++ {
		slots <- i
	}

	actions := s.graph.AllActions()
	s.mutex.Lock()
	s.parallelism = parallelism
	s.mutex.Unlock()
	s.stats.SetParallelism(parallelism)
	s.stats.SetQueueDepth(len(actions))

	// remaining[name] counts how many of an action's Deps are not yet Done. An action moves onto the ready
	// path (acquire semaphore, launch goroutine) the moment its count hits
	// zero, mirroring the teacher's progress.go fan-out-first ordering.
	remaining := make(map[string]int, len(actions))
	dependents := make(map[string][]string, len(actions))
	var readyMu sync.Mutex
	ready := make(chan *Action, len(actions))

	for _, a := range actions {
		remaining[a.Name] = len(a.Deps)
	}
	for _, a := range actions {
		for _, dep := range a.Deps {
			dependents[dep] = append(dependents[dep], a.Name)
		}
	}
	// Seed the ready queue with every action that has no dependencies,
	// highest transitive fan-out first so wide subtrees unblock sooner.
	seed := make([]*Action, 0, len(actions))
	for _, a := range actions {
		if remaining[a.Name] == 0 {
			seed = append(seed, a)
		}
	}
	fanOut := make(map[string]int, len(seed))
	for _, a := range seed {
		seen := map[string]bool{}
		stack := append([]string{}, dependents[a.Name]...)
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if !seen[n] {
				seen[n] = true
				stack = append(stack, dependents[n]...)
			}
		}
		fanOut[a.Name] = len(seen)
	}
	sort.Slice(seed, func(i, j int) bool {
		return fanOut[seed[i].Name] > fanOut[seed[j].Name]
	})
	for _, a := range seed {
		ready <- a
	}

	var launched int
	for launched < len(actions) {
		select {
		case <-gctx.Done():
			return group.Wait()
		case a := <-ready:
			if gctx.Err() != nil {
				return group.Wait()
			}
			launched++
			a := a
			if err := sem.Acquire(gctx, 1); err != nil {
				return group.Wait()
			}
			s.stats.IncRunning(1)
			group.Go(func() error {
				defer sem.Release(1)
				defer s.stats.IncRunning(-1)

				slot := <-slots
				defer func() { slots <- slot }()

				status, err := s.runOne(gctx, a, slot)

				readyMu.Lock()
				defer readyMu.Unlock()
				s.mutex.Lock()
				s.status[a.Name] = status
				if err != nil {
					s.errs[a.Name] = err
				}
				s.mutex.Unlock()

				// A condition action's failure is non-fatal by design: its
				// dependents still get forwarded below and are rerouted to
				// Skipped by shouldSkip. Any other failure drains the run
				// instead: cancelling gctx here, before dependents are
				// forwarded, both reaches every still-running action's
				// process (the "issues termination signals to all running
				// processes" rule) and - via the gctx.Err() check in the
				// forwarding loop below - stops any new action, anywhere in
				// the graph, from being dispatched from this point on. This
				// is a deliberate cancel rather than returning err from the
				// goroutine, so a business-logic action failure (already
				// recorded in s.errs/s.status) doesn't also surface as
				// Run's own return value - callers read failures via Err()
				// and Failed(), not Run's error.
				if status == Failed && !a.Condition {
					drain()
				}

				for _, childName := range dependents[a.Name] {
					remaining[childName]--
					if remaining[childName] == 0 && gctx.Err() == nil {
						ready <- s.graph.Action(childName)
					}
				}
				s.stats.SetQueueDepth(len(actions) - launched)
				return nil
			})
		}
	}
	return group.Wait()
}

// shouldSkip reports whether a should be routed to Skipped instead of run,
// by walking only its direct Deps: if a dependency was itself Skipped, or a
// dependency tagged Condition reached Failed, a becomes Skipped too. Because
// every level only has to look at its own direct dependencies, this
// naturally chains into the "every transitive dependent reaches Skipped"
// rule: a condition failure Skips its direct dependents, whose own Skipped
// status then Skips their dependents in turn, and so on down the graph -
// without the scheduler needing to precompute a transitive closure.
func (s *Scheduler) shouldSkip(a *Action) (reason string, skip bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, dep := range a.Deps {
		switch s.status[dep] {
		case Skipped:
			return fmt.Sprintf("dependency %s was skipped", dep), true
		case Failed:
			if depAction := s.graph.Action(dep); depAction != nil && depAction.Condition {
				return fmt.Sprintf("condition %s failed", dep), true
			}
		}
	}
	return "", false
}

// runOne runs a single action on the given worker slot, first checking
// whether a dependency's condition failure (or its own upstream skip) has
// already routed this action to Skipped.
func (s *Scheduler) runOne(ctx context.Context, a *Action, slot int) (ExecStatus, error) {
	if reason, skip := s.shouldSkip(a); skip {
		s.bus.Publish(&Event{Action: a.Name, Status: Skipped, Description: reason, Time: time.Now(), ThreadID: slot})
		return Skipped, nil
	}

	var status ExecStatus
	var err error
	for attempt := 1; ; attempt++ {
		s.bus.Publish(&Event{Action: a.Name, Status: Running, Attempt: attempt, Time: time.Now(), ThreadID: slot})
		start := time.Now()
		status, err = s.runner.Run(ctx, a, attempt)
		s.stats.ObserveActionDuration(status, time.Since(start))

		if status != Failed || !s.oom.ShouldRetry(err, attempt) {
			break
		}
		s.bus.Publish(&Event{Action: a.Name, Status: Retrying, Err: err, Attempt: attempt, Time: time.Now(), ThreadID: slot})
		s.halveParallelism()
	}

	s.bus.Publish(&Event{Action: a.Name, Status: status, Err: err, Time: time.Now(), ThreadID: slot})
	s.stats.RecordCacheHit(status == Cached)
	return status, err
}

// Status returns the current (possibly still non-terminal) status of the
// named action.
func (s *Scheduler) Status(name string) ExecStatus {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.status[name]
}

// Failed returns the names of every action that finished in the Failed
// state, in no particular order.
func (s *Scheduler) Failed() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var failed []string
	for name, st := range s.status {
		if st.IsFailure() {
			failed = append(failed, name)
		}
	}
	return failed
}

// ActionErr returns the error a failed action finished with, or nil if it
// didn't fail (or hasn't run). The CLI's exit-code computation uses this to
// recover the underlying process exit code per spec: "the controller's
// exit code equals the first failed action's exit code if unique, else a
// generic error".
func (s *Scheduler) ActionErr(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.errs[name]
}

// Err summarises a scheduler run as a *multierror.Error, one entry per
// failed action in its own words, or nil if every action reached a
// non-failure terminal state. Aggregating this way (rather than flattening
// everything into one formatted string) keeps each action's own error
// message and wrapped cause intact for a caller that wants to inspect them
// individually, e.g. via errors.As.
func (s *Scheduler) Err() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var result *multierror.Error
	for name, st := range s.status {
		if !st.IsFailure() {
			continue
		}
		if err := s.errs[name]; err != nil {
			result = multierror.Append(result, err)
		} else {
			result = multierror.Append(result, fmt.Errorf("action %s failed", name))
		}
	}
	return result.ErrorOrNil()
}
