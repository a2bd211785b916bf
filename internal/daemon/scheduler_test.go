package daemon

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskdir/internal/events"
	"github.com/msageha/taskdir/internal/lock"
	"github.com/msageha/taskdir/internal/model"
	"github.com/msageha/taskdir/internal/store"
)

type schedulerFixture struct {
	s      *Scheduler
	mem    *store.Memory
	runner *fakeRunner
	guard  *lock.InFlight
	logs   *bytes.Buffer
}

func newSchedulerFixture(t *testing.T, mode model.ExecutionMode, workers int) *schedulerFixture {
	t.Helper()
	return newSchedulerFixtureWith(t, model.Config{
		Execution: model.ExecutionConfig{Mode: mode, Workers: workers},
		Scheduler: model.SchedulerConfig{PollIntervalMs: 10, IntakeRetryDelayMs: 1},
		Retry:     model.RetryConfig{DelayMs: 1},
	})
}

func newSchedulerFixtureWith(t *testing.T, cfg model.Config) *schedulerFixture {
	t.Helper()
	root := t.TempDir()
	writeScripts(t, root, "scripts/ok.sh", "scripts/fail.sh")
	cfg = cfg.WithDefaults()

	var logs bytes.Buffer
	logger := log.New(&logs, "", 0)
	mem := store.NewMemory()
	fr := newFakeRunner().exits("fail.sh", 1)
	guard := lock.NewInFlight()
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)

	p := NewProcessor(mem, fr, root, cfg.Retry, bus, logger, LogLevelDebug)
	s := NewScheduler(mem, p, guard, cfg, bus, logger, LogLevelDebug)
	return &schedulerFixture{s: s, mem: mem, runner: fr, guard: guard, logs: &logs}
}

func (f *schedulerFixture) putTask(t *testing.T, stage store.Stage, name, script string, maxRetries int) {
	t.Helper()
	f.mem.Put(stage, name, manifestJSON(t, map[string]any{
		"id": name, "script_ref": script, "max_retries": maxRetries,
	}))
}

func TestScheduler_IntakeOldestFirst(t *testing.T) {
	f := newSchedulerFixture(t, model.ModeLocal, 2)
	f.putTask(t, store.StageTodo, "b.json", "scripts/ok.sh", 0)
	f.putTask(t, store.StageTodo, "a.json", "scripts/ok.sh", 0)

	require.True(t, f.s.Step(context.Background()))
	assert.Equal(t, []string{"b.json"}, f.mem.Names(store.StageWorking), "oldest arrival is promoted first")
	assert.Equal(t, []string{"a.json"}, f.mem.Names(store.StageTodo))

	require.True(t, f.s.Step(context.Background()))
	f.s.Wait()
	require.True(t, f.s.Step(context.Background()))
	f.s.Wait()

	assert.Empty(t, f.mem.Names(store.StageTodo))
	assert.Empty(t, f.mem.Names(store.StageWorking))
	assert.ElementsMatch(t, []string{"a.json", "b.json"}, f.mem.Names(store.StageDone))
	assert.Zero(t, f.guard.Len())
}

func TestScheduler_IdleStepReportsNoWork(t *testing.T) {
	f := newSchedulerFixture(t, model.ModeLocal, 1)
	assert.False(t, f.s.Step(context.Background()))
}

func TestScheduler_HostModeForwardsWithoutExecuting(t *testing.T) {
	f := newSchedulerFixture(t, model.ModeHost, 2)
	f.putTask(t, store.StageTodo, "t1.json", "scripts/ok.sh", 0)
	f.putTask(t, store.StageWorking, "w1.json", "scripts/ok.sh", 0)

	require.True(t, f.s.Step(context.Background()))
	f.s.Wait()

	assert.Empty(t, f.mem.Names(store.StageTodo))
	assert.Equal(t, []string{"t1.json"}, f.mem.Names(store.StageTodoHost))
	assert.Equal(t, []string{"w1.json"}, f.mem.Names(store.StageWorking), "host mode must not drain working")
	assert.Empty(t, f.mem.Names(store.StageDone))
	assert.Empty(t, f.runner.Calls())

	data, err := f.mem.Read(store.StageTodoHost, "t1.json")
	require.NoError(t, err)
	m, err := model.DecodeManifest("t1.json", data)
	require.NoError(t, err)
	assert.Zero(t, m.AttemptCount, "forwarded manifest is not modified")
}

func TestScheduler_SkipsTasksAlreadyInFlight(t *testing.T) {
	f := newSchedulerFixture(t, model.ModeLocal, 2)
	f.putTask(t, store.StageWorking, "t1.json", "scripts/ok.sh", 0)
	require.True(t, f.guard.TryAcquire("t1.json"))

	assert.False(t, f.s.Step(context.Background()))
	f.s.Wait()

	assert.Empty(t, f.runner.Calls())
	assert.Equal(t, []string{"t1.json"}, f.mem.Names(store.StageWorking))
	assert.True(t, f.guard.Has("t1.json"), "guard held by another owner stays held")
}

func TestScheduler_PoolFullDefersRemainingTasks(t *testing.T) {
	f := newSchedulerFixture(t, model.ModeLocal, 1)
	f.runner.block = make(chan struct{})
	f.putTask(t, store.StageWorking, "a.json", "scripts/ok.sh", 0)
	f.putTask(t, store.StageWorking, "b.json", "scripts/ok.sh", 0)

	require.True(t, f.s.Step(context.Background()))
	assert.True(t, f.guard.Has("a.json"))
	assert.False(t, f.guard.Has("b.json"), "deferred task must not stay reserved")

	close(f.runner.block)
	f.s.Wait()
	assert.Contains(t, f.logs.String(), "worker pool full")
	assert.Equal(t, []string{"a.json"}, f.mem.Names(store.StageDone))
	assert.Equal(t, []string{"b.json"}, f.mem.Names(store.StageWorking))

	require.True(t, f.s.Step(context.Background()))
	f.s.Wait()
	assert.ElementsMatch(t, []string{"a.json", "b.json"}, f.mem.Names(store.StageDone))
}

func TestScheduler_VanishedTodoIsNotAnError(t *testing.T) {
	f := newSchedulerFixture(t, model.ModeLocal, 1)
	f.putTask(t, store.StageTodo, "t1.json", "scripts/ok.sh", 0)
	f.mem.FailRelocate = func(from store.Stage, name string, to store.Stage, newName string) error {
		if from == store.StageTodo {
			f.mem.Remove(from, name)
			return fmt.Errorf("relocate %s: %w", name, fs.ErrNotExist)
		}
		return nil
	}

	assert.True(t, f.s.Step(context.Background()))
	assert.NotContains(t, f.logs.String(), "intake error")
	assert.Empty(t, f.mem.Names(store.StageWorking))
}

func TestScheduler_IntakeFailureLeavesTaskInTodo(t *testing.T) {
	f := newSchedulerFixture(t, model.ModeLocal, 1)
	f.putTask(t, store.StageTodo, "t1.json", "scripts/ok.sh", 0)
	f.mem.FailRelocate = func(store.Stage, string, store.Stage, string) error { return syscall.EACCES }

	assert.True(t, f.s.Step(context.Background()))
	assert.Contains(t, f.logs.String(), "intake error")
	assert.Equal(t, []string{"t1.json"}, f.mem.Names(store.StageTodo))

	f.mem.FailRelocate = nil
	assert.True(t, f.s.Step(context.Background()))
	assert.Equal(t, []string{"t1.json"}, f.mem.Names(store.StageWorking))
}

func TestScheduler_IntakeBreakerPausesIntake(t *testing.T) {
	f := newSchedulerFixtureWith(t, model.Config{
		Execution: model.ExecutionConfig{Workers: 1},
		Scheduler: model.SchedulerConfig{
			PollIntervalMs:         10,
			IntakeRetryDelayMs:     1,
			IntakeBreakerFailures:  2,
			IntakeBreakerTimeoutMs: int(time.Hour.Milliseconds()),
		},
	})
	f.putTask(t, store.StageTodo, "t1.json", "scripts/ok.sh", 0)
	attempts := 0
	f.mem.FailRelocate = func(store.Stage, string, store.Stage, string) error {
		attempts++
		return syscall.EROFS
	}

	assert.True(t, f.s.Step(context.Background()))
	assert.True(t, f.s.Step(context.Background()))
	assert.False(t, f.s.Step(context.Background()), "open breaker reports no progress")
	assert.False(t, f.s.Step(context.Background()))

	assert.Equal(t, 2, attempts, "intake must not touch the store while the breaker is open")
	assert.Contains(t, f.logs.String(), "intake breaker closed → open")
	assert.Equal(t, []string{"t1.json"}, f.mem.Names(store.StageTodo))
}

func TestScheduler_CollisionInWorkingGetsMarkedName(t *testing.T) {
	f := newSchedulerFixture(t, model.ModeLocal, 1)
	f.putTask(t, store.StageWorking, "t1.json", "scripts/ok.sh", 0)
	require.True(t, f.guard.TryAcquire("t1.json"))
	f.putTask(t, store.StageTodo, "t1.json", "scripts/ok.sh", 0)

	require.True(t, f.s.Step(context.Background()))

	names := f.mem.Names(store.StageWorking)
	require.Len(t, names, 2)
	assert.Contains(t, names, "t1.json")
	assert.Empty(t, f.mem.Names(store.StageTodo))
}

func TestScheduler_RunProcessesUntilCancelled(t *testing.T) {
	f := newSchedulerFixture(t, model.ModeLocal, 3)
	f.putTask(t, store.StageTodo, "ok.json", "scripts/ok.sh", 0)
	f.putTask(t, store.StageTodo, "fail.json", "scripts/fail.sh", 2)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.s.Run(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		return len(f.mem.Names(store.StageDone)) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
	f.s.Wait()

	m := readManifest(t, f.mem, store.StageDone, "fail.json")
	assert.Equal(t, model.StatusFailed, m.Status)
	assert.Equal(t, 3, m.AttemptCount)
	assert.Equal(t, model.StatusCompleted, readManifest(t, f.mem, store.StageDone, "ok.json").Status)
}

func TestSchedulerWakeCoalesces(t *testing.T) {
	f := newSchedulerFixture(t, model.ModeLocal, 1)
	f.s.Wake()
	f.s.Wake()
	f.s.Wake()
	assert.Len(t, f.s.wakeCh, 1)
}

// stagesHolding lists the stages whose directory contains name.
func stagesHolding(t *testing.T, st store.Store, name string) []store.Stage {
	t.Helper()
	var found []store.Stage
	for _, stage := range store.Stages {
		entries, err := st.List(stage)
		require.NoError(t, err, stage)
		for _, e := range entries {
			if e.Name == name {
				found = append(found, stage)
			}
		}
	}
	return found
}

func TestScheduler_TaskLivesInExactlyOneStage(t *testing.T) {
	root := t.TempDir()
	writeScripts(t, root, "scripts/fail.sh")
	cfg := model.Config{
		Execution: model.ExecutionConfig{Mode: model.ModeLocal, Workers: 1},
		Scheduler: model.SchedulerConfig{PollIntervalMs: 10, IntakeRetryDelayMs: 1},
		Retry:     model.RetryConfig{DelayMs: 1},
	}.WithDefaults()

	fsStore := store.NewFS(root, store.DefaultMovePolicy)
	require.NoError(t, fsStore.EnsureLayout())
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)
	logger := log.New(&bytes.Buffer{}, "", 0)
	fr := newFakeRunner().exits("fail.sh", 1)
	p := NewProcessor(fsStore, fr, root, cfg.Retry, bus, logger, LogLevelDebug)
	s := NewScheduler(fsStore, p, lock.NewInFlight(), cfg, bus, logger, LogLevelDebug)

	require.NoError(t, fsStore.Write(store.StageTodo, "t1.json", manifestJSON(t, map[string]any{
		"id": "t1", "script_ref": "scripts/fail.sh", "max_retries": 2,
	})))
	require.Equal(t, []store.Stage{store.StageTodo}, stagesHolding(t, fsStore, "t1.json"))

	for i := 0; i < 10; i++ {
		s.Step(context.Background())
		s.Wait()
		stages := stagesHolding(t, fsStore, "t1.json")
		require.Len(t, stages, 1, "step %d: t1.json found in %v", i, stages)
		if stages[0] == store.StageDone {
			break
		}
	}

	assert.Equal(t, []store.Stage{store.StageDone}, stagesHolding(t, fsStore, "t1.json"))
	assert.Len(t, fr.Calls(), 3, "one run plus two retries")
}
