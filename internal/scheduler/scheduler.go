// Package scheduler finds due tasks and runs them through the worker
// invocation path, recording every run and advancing each task's schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/linkerlin/tgclaw/internal/agent"
	"github.com/linkerlin/tgclaw/internal/db"
	"github.com/linkerlin/tgclaw/internal/metrics"
	"github.com/linkerlin/tgclaw/internal/schedule"
	"github.com/linkerlin/tgclaw/internal/state"
	"github.com/linkerlin/tgclaw/internal/types"
)

const lastResultLimit = 200

// Invoker runs a prompt for a registered group.
type Invoker interface {
	Invoke(ctx context.Context, req agent.Request) (agent.Output, error)
}

// Sender delivers a chat message. Delivery is best-effort.
type Sender interface {
	Send(ctx context.Context, chatID, text string)
}

// Config holds the scheduler's dependencies.
type Config struct {
	Store         *db.DB
	Invoker       Invoker
	Registry      *state.Registry
	Sender        Sender
	Metrics       *metrics.Metrics
	Location      *time.Location
	Interval      time.Duration // defaults to one minute
	AssistantName string
	Logger        zerolog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Scheduler polls the store for due tasks.
type Scheduler struct {
	cfg Config
	log zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start runs the first tick immediately and then one per interval.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info().Dur("interval", s.cfg.Interval).Msg("scheduler started")
}

// Stop cancels the loop and waits for an in-flight tick to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every task that is due now, earliest first.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.cfg.Store.GetDueTasks(ctx, types.FormatTime(s.cfg.Now()))
	if err != nil {
		s.log.Error().Err(err).Msg("query due tasks")
		return
	}
	if len(due) > 0 {
		s.log.Info().Int("count", len(due)).Msg("found due tasks")
	}
	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		// The task may have been paused or cancelled since the query.
		current, err := s.cfg.Store.GetTaskByID(ctx, t.ID)
		if err != nil {
			s.log.Error().Err(err).Str("task", t.ID).Msg("reload task")
			continue
		}
		if current == nil || current.Status != types.TaskActive {
			continue
		}
		s.RunTask(ctx, *current)
	}
}

// RunTask invokes one task and records the outcome. Every outcome is logged
// and the schedule always advances; a once task or an unusable schedule
// completes the task.
func (s *Scheduler) RunTask(ctx context.Context, task types.ScheduledTask) {
	log := s.log.With().Str("task", task.ID).Str("group", task.GroupFolder).Logger()
	start := s.cfg.Now()
	log.Info().Msg("running scheduled task")

	result, runErr := s.invoke(ctx, task)
	duration := s.cfg.Now().Sub(start)

	status := types.RunSuccess
	var resultPtr, errPtr *string
	if runErr != "" {
		status = types.RunError
		errPtr = &runErr
		log.Error().Str("error", runErr).Dur("duration", duration).Msg("task failed")
	} else {
		if result != "" {
			resultPtr = &result
		}
		log.Info().Dur("duration", duration).Msg("task completed")
	}

	if err := s.cfg.Store.LogTaskRun(ctx, types.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      types.FormatTime(start),
		DurationMS: duration.Milliseconds(),
		Status:     status,
		Result:     resultPtr,
		Error:      errPtr,
	}); err != nil {
		log.Error().Err(err).Msg("log task run")
	}
	s.cfg.Metrics.ObserveTaskRun(string(status), duration)

	var nextRun *string
	next, err := schedule.After(task.ScheduleType, task.ScheduleValue, s.cfg.Now(), s.cfg.Location)
	if err != nil {
		log.Error().Err(err).Msg("compute next run; completing task")
	} else if next != nil {
		formatted := schedule.Format(*next)
		nextRun = &formatted
	}

	summary := "Completed"
	switch {
	case runErr != "":
		summary = "Error: " + runErr
	case result != "":
		summary = truncate(result, lastResultLimit)
	}
	if err := s.cfg.Store.UpdateTaskAfterRun(ctx, task.ID, nextRun, types.FormatTime(s.cfg.Now()), summary); err != nil {
		log.Error().Err(err).Msg("update task after run")
	}
}

// invoke returns the worker's result text, or a non-empty error description.
func (s *Scheduler) invoke(ctx context.Context, task types.ScheduledTask) (string, string) {
	_, group, ok := s.cfg.Registry.FolderChat(task.GroupFolder)
	if !ok {
		return "", fmt.Sprintf("group not found: %s", task.GroupFolder)
	}

	out, err := s.cfg.Invoker.Invoke(ctx, agent.Request{
		ChatID: task.ChatID,
		Group:  group,
		Prompt: task.Prompt,
		Mode:   task.ContextMode,
	})
	if err != nil {
		return "", err.Error()
	}
	if out.Status == agent.StatusError {
		if out.Error == "" {
			return "", "worker reported an error"
		}
		return "", out.Error
	}

	result := out.Text()
	if result != "" && s.cfg.Sender != nil {
		s.cfg.Sender.Send(ctx, task.ChatID, s.cfg.AssistantName+": "+result)
	}
	return result, ""
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
