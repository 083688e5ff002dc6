package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkerlin/tgclaw/internal/agent"
	"github.com/linkerlin/tgclaw/internal/db"
	"github.com/linkerlin/tgclaw/internal/scheduler"
	"github.com/linkerlin/tgclaw/internal/state"
	"github.com/linkerlin/tgclaw/internal/types"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeInvoker struct {
	mu      sync.Mutex
	prompts []string
	modes   []types.ContextMode
	out     agent.Output
	err     error
}

func (f *fakeInvoker) Invoke(ctx context.Context, req agent.Request) (agent.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, req.Prompt)
	f.modes = append(f.modes, req.Mode)
	return f.out, f.err
}

func (f *fakeInvoker) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(ctx context.Context, chatID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+"|"+text)
}

type fixture struct {
	store   *db.DB
	invoker *fakeInvoker
	sender  *fakeSender
	sched   *scheduler.Scheduler
}

func newFixture(t *testing.T, out agent.Output, invokeErr error) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := db.Open(filepath.Join(dir, "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg, err := state.LoadRegistry(dir, "main")
	require.NoError(t, err)
	require.NoError(t, reg.Register("100", types.RegisteredGroup{Name: "Main", Folder: "main", Trigger: "@Andy"}))
	require.NoError(t, reg.Register("200", types.RegisteredGroup{Name: "Family", Folder: "family", Trigger: "@Andy"}))

	f := &fixture{
		store:   store,
		invoker: &fakeInvoker{out: out, err: invokeErr},
		sender:  &fakeSender{},
	}
	f.sched = scheduler.New(scheduler.Config{
		Store:         store,
		Invoker:       f.invoker,
		Registry:      reg,
		Sender:        f.sender,
		Location:      time.UTC,
		Interval:      time.Hour,
		AssistantName: "Andy",
		Logger:        zerolog.Nop(),
		Now:           func() time.Time { return t0 },
	})
	return f
}

func success(text string) agent.Output {
	return agent.Output{Status: agent.StatusSuccess, Result: &text}
}

func createTask(t *testing.T, store *db.DB, id, folder string, kind types.ScheduleType, value string, next time.Time) {
	t.Helper()
	nextRun := types.FormatTime(next)
	require.NoError(t, store.CreateTask(context.Background(), types.ScheduledTask{
		ID:            id,
		GroupFolder:   folder,
		ChatID:        map[string]string{"main": "100", "family": "200"}[folder],
		Prompt:        "prompt " + id,
		ScheduleType:  kind,
		ScheduleValue: value,
		ContextMode:   types.ContextIsolated,
		NextRun:       &nextRun,
		Status:        types.TaskActive,
		CreatedAt:     types.FormatTime(t0.Add(-time.Hour)),
	}))
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestRunTask_OnceCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, success("all done"), nil)
	createTask(t, f.store, "t1", "family", types.ScheduleOnce, "2024-01-01T11:59:00Z", t0.Add(-time.Minute))

	f.sched.Tick(ctx)

	task, err := f.store.GetTaskByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.Nil(t, task.NextRun)
	require.NotNil(t, task.LastResult)
	assert.Equal(t, "all done", *task.LastResult)

	logs, err := f.store.GetTaskRunLogs(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, types.RunSuccess, logs[0].Status)

	assert.Equal(t, []string{"200|Andy: all done"}, f.sender.sent)
}

func TestRunTask_IntervalAdvancesOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, agent.Output{Status: agent.StatusError, Error: "worker crashed"}, nil)
	createTask(t, f.store, "t1", "family", types.ScheduleInterval, "60000", t0)

	f.sched.Tick(ctx)

	task, err := f.store.GetTaskByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskActive, task.Status)
	require.NotNil(t, task.NextRun)
	assert.Equal(t, types.FormatTime(t0.Add(60*time.Second)), *task.NextRun)
	require.NotNil(t, task.LastResult)
	assert.Equal(t, "Error: worker crashed", *task.LastResult)

	logs, err := f.store.GetTaskRunLogs(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, types.RunError, logs[0].Status)
	require.NotNil(t, logs[0].Error)
	assert.Equal(t, "worker crashed", *logs[0].Error)
	assert.Empty(t, f.sender.sent)
}

func TestRunTask_InvokeErrorIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, agent.Output{}, errors.New("docker unavailable"))
	createTask(t, f.store, "t1", "main", types.ScheduleCron, "0 * * * *", t0)

	f.sched.Tick(ctx)

	task, err := f.store.GetTaskByID(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, task.NextRun)
	assert.Equal(t, types.FormatTime(t0.Add(time.Hour)), *task.NextRun)
	assert.Contains(t, *task.LastResult, "docker unavailable")
}

func TestRunTask_MissingGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, success("x"), nil)
	createTask(t, f.store, "t1", "ghost", types.ScheduleInterval, "60000", t0)

	f.sched.Tick(ctx)

	assert.Empty(t, f.invoker.calls())
	logs, err := f.store.GetTaskRunLogs(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, types.RunError, logs[0].Status)
	assert.Contains(t, *logs[0].Error, "group not found")

	task, err := f.store.GetTaskByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.FormatTime(t0.Add(time.Minute)), *task.NextRun)
}

func TestTick_OrderAndSkipsInactive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, success(""), nil)
	createTask(t, f.store, "late", "main", types.ScheduleInterval, "60000", t0.Add(-time.Minute))
	createTask(t, f.store, "early", "family", types.ScheduleInterval, "60000", t0.Add(-2*time.Minute))
	createTask(t, f.store, "future", "main", types.ScheduleInterval, "60000", t0.Add(time.Minute))
	createTask(t, f.store, "paused", "main", types.ScheduleInterval, "60000", t0.Add(-3*time.Minute))
	paused := types.TaskPaused
	require.NoError(t, f.store.UpdateTask(ctx, "paused", db.TaskUpdate{Status: &paused}))

	f.sched.Tick(ctx)

	assert.Equal(t, []string{"prompt early", "prompt late"}, f.invoker.calls())
	// Empty results are not sent.
	assert.Empty(t, f.sender.sent)

	task, err := f.store.GetTaskByID(ctx, "early")
	require.NoError(t, err)
	assert.Equal(t, "Completed", *task.LastResult)
}

func TestScheduler_StartTicksImmediately(t *testing.T) {
	f := newFixture(t, success("ok"), nil)
	createTask(t, f.store, "t1", "main", types.ScheduleOnce, "2024-01-01T11:00:00Z", t0.Add(-time.Hour))

	f.sched.Start(context.Background())
	defer f.sched.Stop()

	waitFor(t, 2*time.Second, func() bool {
		task, err := f.store.GetTaskByID(context.Background(), "t1")
		return err == nil && task != nil && task.Status == types.TaskCompleted
	})
}

func TestRunTask_OnceCompletesAfterFailure(t *testing.T) {
	tests := []struct {
		name      string
		out       agent.Output
		invokeErr error
		wantError string
	}{
		{"worker error", agent.Output{Status: agent.StatusError, Error: "model unavailable"}, nil, "model unavailable"},
		{"invoke error", agent.Output{}, errors.New("docker daemon down"), "docker daemon down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, tt.out, tt.invokeErr)
			createTask(t, f.store, "once", "family", types.ScheduleOnce, "2024-01-01T11:59:00Z", t0.Add(-time.Minute))

			f.sched.Tick(ctx)

			task, err := f.store.GetTaskByID(ctx, "once")
			require.NoError(t, err)
			assert.Equal(t, types.TaskCompleted, task.Status)
			assert.Nil(t, task.NextRun)
			require.NotNil(t, task.LastResult)
			assert.Equal(t, "Error: "+tt.wantError, *task.LastResult)

			logs, err := f.store.GetTaskRunLogs(ctx, "once", 10)
			require.NoError(t, err)
			require.Len(t, logs, 1)
			assert.Equal(t, types.RunError, logs[0].Status)
			require.NotNil(t, logs[0].Error)
			assert.Equal(t, tt.wantError, *logs[0].Error)

			due, err := f.store.GetDueTasks(ctx, types.FormatTime(t0.Add(time.Hour)))
			require.NoError(t, err)
			assert.Empty(t, due)
		})
	}
}
