package core

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingRunner runs no real process; it just records the order actions
// were started in and returns a canned status per action name.
type recordingRunner struct {
	mutex   sync.Mutex
	order   []string
	results map[string]ExecStatus
}

func (r *recordingRunner) Run(ctx context.Context, a *Action, attempt int) (ExecStatus, error) {
	r.mutex.Lock()
	r.order = append(r.order, a.Name)
	r.mutex.Unlock()
	if st, ok := r.results[a.Name]; ok {
		return st, nil
	}
	return Succeeded, nil
}

func TestSchedulerRunsDependenciesBeforeDependents(t *testing.T) {
	g := NewGraph()
	g.AddAction(&Action{Name: "base"})
	g.AddAction(&Action{Name: "middle", Deps: []string{"base"}})
	g.AddAction(&Action{Name: "top", Deps: []string{"middle"}})
	require.NoError(t, g.Connect())

	runner := &recordingRunner{results: map[string]ExecStatus{}}
	bus := NewEventBus(16)
	stats := NewStatsTracker(2, 1024)
	sched := NewScheduler(g, runner, bus, stats)

	require.NoError(t, sched.Run(context.Background(), 2))

	pos := map[string]int{}
	for i, name := range runner.order {
		pos[name] = i
	}
	assert.Less(t, pos["base"], pos["middle"])
	assert.Less(t, pos["middle"], pos["top"])
	assert.Equal(t, Succeeded, sched.Status("top"))
	assert.Nil(t, sched.Err())
}

func TestSchedulerPropagatesSkipByCondition(t *testing.T) {
	g := NewGraph()
	g.AddAction(&Action{Name: "gate", Condition: true})
	g.AddAction(&Action{Name: "dependent", Deps: []string{"gate"}})
	g.AddAction(&Action{Name: "grandchild", Deps: []string{"dependent"}})
	g.AddAction(&Action{Name: "unrelated"})
	require.NoError(t, g.Connect())

	runner := &recordingRunner{results: map[string]ExecStatus{"gate": Failed}}
	bus := NewEventBus(16)
	stats := NewStatsTracker(2, 1024)
	sched := NewScheduler(g, runner, bus, stats)

	require.NoError(t, sched.Run(context.Background(), 2))

	assert.Equal(t, Failed, sched.Status("gate"))
	assert.Equal(t, Skipped, sched.Status("dependent"))
	assert.Equal(t, Skipped, sched.Status("grandchild"))
	assert.Equal(t, Succeeded, sched.Status("unrelated"))
}

func TestSchedulerErrReportsFailures(t *testing.T) {
	g := NewGraph()
	g.AddAction(&Action{Name: "broken"})
	require.NoError(t, g.Connect())

	runner := &recordingRunner{results: map[string]ExecStatus{"broken": Failed}}
	sched := NewScheduler(g, runner, NewEventBus(4), NewStatsTracker(1, 512))

	require.NoError(t, sched.Run(context.Background(), 1))
	assert.Error(t, sched.Err())
	assert.Contains(t, sched.Err().Error(), "broken")
	assert.Contains(t, sched.Failed(), "broken")
}

func TestSchedulerDrainsOnNonConditionFailure(t *testing.T) {
	g := NewGraph()
	g.AddAction(&Action{Name: "broken"})
	g.AddAction(&Action{Name: "dependent", Deps: []string{"broken"}})
	require.NoError(t, g.Connect())

	runner := &recordingRunner{results: map[string]ExecStatus{"broken": Failed}}
	sched := NewScheduler(g, runner, NewEventBus(4), NewStatsTracker(1, 512))

	require.NoError(t, sched.Run(context.Background(), 1))
	assert.Equal(t, Failed, sched.Status("broken"))
	// dependent never got a status recorded: the drain stopped it from
	// being dispatched at all, rather than routing it to Skipped.
	assert.Equal(t, Pending, sched.Status("dependent"))
	assert.Contains(t, sched.Failed(), "broken")
}

type failingRunner struct {
	err error
}

func (r *failingRunner) Run(ctx context.Context, a *Action, attempt int) (ExecStatus, error) {
	return Failed, r.err
}

func TestSchedulerErrAggregatesMultipleActionErrors(t *testing.T) {
	g := NewGraph()
	g.AddAction(&Action{Name: "one"})
	g.AddAction(&Action{Name: "two"})
	require.NoError(t, g.Connect())

	runner := &failingRunner{err: errors.New("boom")}
	sched := NewScheduler(g, runner, NewEventBus(4), NewStatsTracker(1, 512))

	require.NoError(t, sched.Run(context.Background(), 2))
	err := sched.Err()
	require.Error(t, err)
	assert.Equal(t, "boom", sched.ActionErr("one").Error())
	merr, ok := err.(*multierror.Error)
	require.True(t, ok)
	assert.Len(t, merr.Errors, 2)
}

// oomOnceRunner fails its first attempt with an OOM-shaped error, then
// succeeds on the retry the scheduler's OOMController should trigger.
type oomOnceRunner struct {
	mutex    sync.Mutex
	attempts map[string]int
}

func (r *oomOnceRunner) Run(ctx context.Context, a *Action, attempt int) (ExecStatus, error) {
	r.mutex.Lock()
	r.attempts[a.Name]++
	n := r.attempts[a.Name]
	r.mutex.Unlock()
	if n == 1 {
		err := exec.Command("bash", "-c", "exit 137").Run()
		return Failed, err
	}
	return Succeeded, nil
}

func TestSchedulerRetriesOnOOMController(t *testing.T) {
	g := NewGraph()
	g.AddAction(&Action{Name: "flaky"})
	require.NoError(t, g.Connect())

	runner := &oomOnceRunner{attempts: map[string]int{}}
	sched := NewScheduler(g, runner, NewEventBus(16), NewStatsTracker(2, 1024))
	sched.UseOOMController(NewOOMController(nil))

	require.NoError(t, sched.Run(context.Background(), 2))

	assert.Equal(t, Succeeded, sched.Status("flaky"))
	assert.Equal(t, 2, runner.attempts["flaky"])
}
