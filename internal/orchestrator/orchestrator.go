// Package orchestrator builds every long-running component from the
// configuration and runs them together.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/linkerlin/tgclaw/internal/agent"
	"github.com/linkerlin/tgclaw/internal/channels"
	"github.com/linkerlin/tgclaw/internal/config"
	"github.com/linkerlin/tgclaw/internal/db"
	"github.com/linkerlin/tgclaw/internal/groupsync"
	"github.com/linkerlin/tgclaw/internal/ipc"
	"github.com/linkerlin/tgclaw/internal/metrics"
	"github.com/linkerlin/tgclaw/internal/queue"
	"github.com/linkerlin/tgclaw/internal/router"
	"github.com/linkerlin/tgclaw/internal/scheduler"
	"github.com/linkerlin/tgclaw/internal/state"
)

// Channel is the chat transport: it feeds inbound messages into the store
// while Run is active and delivers outbound text.
type Channel interface {
	Run(ctx context.Context) error
	Send(ctx context.Context, chatID, text string)
	Typing(ctx context.Context, chatID string) (stop func())
	ChatTitle(ctx context.Context, chatID string) (string, error)
}

// Options replaces components that would otherwise be built from config.
type Options struct {
	Channel Channel
	Runner  agent.Runner
}

// App owns the store, the persisted state and the loops.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	Store    *db.DB
	Registry *state.Registry
	Metrics  *metrics.Metrics

	channel   Channel
	runner    agent.Runner
	router    *router.Router
	scheduler *scheduler.Scheduler
	watcher   *ipc.Watcher
	syncer    *groupsync.Syncer
}

// New opens storage and wires all components. Close releases them.
func New(cfg *config.Config, log zerolog.Logger, opts Options) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.DataDir, cfg.StoreDir, cfg.IPCDir(), filepath.Join(cfg.GroupsDir, cfg.MainGroupFolder, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	store, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, Store: store, Metrics: metrics.New()}
	fail := func(err error) (*App, error) {
		_ = a.Close()
		return nil, err
	}

	if a.Registry, err = state.LoadRegistry(cfg.DataDir, cfg.MainGroupFolder); err != nil {
		return fail(err)
	}
	sessions, err := state.LoadSessions(cfg.DataDir)
	if err != nil {
		return fail(err)
	}
	routerState, err := state.LoadRouterState(cfg.DataDir)
	if err != nil {
		return fail(err)
	}
	if err := a.ensureMailboxes(); err != nil {
		return fail(err)
	}

	a.channel = opts.Channel
	if a.channel == nil {
		tg, err := channels.NewTelegram(channels.TelegramConfig{
			Token:      cfg.Telegram.Token,
			SendPerSec: cfg.Telegram.SendPerSec,
			Store:      store,
			Registry:   a.Registry,
			Logger:     log,
		})
		if err != nil {
			return fail(err)
		}
		a.channel = tg
	}

	a.runner = opts.Runner
	if a.runner == nil {
		if a.runner, err = newRunner(cfg, log); err != nil {
			return fail(err)
		}
	}

	a.syncer = groupsync.New(groupsync.Config{
		Store:    store,
		Registry: a.Registry,
		Titles:   a.channel,
		Interval: cfg.GroupSyncInterval,
		Logger:   log,
	})
	invoker := agent.NewInvoker(agent.InvokerConfig{
		Runner:   a.runner,
		Tasks:    store,
		Groups:   a.syncer,
		Registry: a.Registry,
		Sessions: sessions,
		Limiter:  queue.New(cfg.MaxConcurrentAgents),
		IPCDir:   cfg.IPCDir(),
		Logger:   log,
	})
	a.router = router.New(router.Config{
		Store:         store,
		Registry:      a.Registry,
		State:         routerState,
		Invoker:       invoker,
		Channel:       a.channel,
		Metrics:       a.Metrics,
		AssistantName: cfg.AssistantName,
		Trigger:       cfg.TriggerPattern(),
		Interval:      cfg.PollInterval,
		Logger:        log,
	})
	a.scheduler = scheduler.New(scheduler.Config{
		Store:         store,
		Invoker:       invoker,
		Registry:      a.Registry,
		Sender:        a.channel,
		Metrics:       a.Metrics,
		Location:      loc,
		Interval:      cfg.SchedulerPollInterval,
		AssistantName: cfg.AssistantName,
		Logger:        log,
	})
	gateway := ipc.NewGateway(ipc.GatewayConfig{
		Store:         store,
		Registry:      a.Registry,
		Sender:        a.channel,
		Groups:        a.syncer,
		Location:      loc,
		AssistantName: cfg.AssistantName,
		GroupsDir:     cfg.GroupsDir,
		IPCDir:        cfg.IPCDir(),
		Logger:        log,
	})
	a.watcher = ipc.NewWatcher(ipc.WatcherConfig{
		Dir:        cfg.IPCDir(),
		MainFolder: cfg.MainGroupFolder,
		Gateway:    gateway,
		Metrics:    a.Metrics,
		Interval:   cfg.IPCPollInterval,
		Logger:     log,
	})
	return a, nil
}

func newRunner(cfg *config.Config, log zerolog.Logger) (agent.Runner, error) {
	switch cfg.Agent.Backend {
	case "container":
		r, err := agent.NewContainerRunner(agent.ContainerConfig{
			Image:     cfg.Container.Image,
			Timeout:   cfg.Container.Timeout,
			MemoryMB:  cfg.Container.MemoryMB,
			Network:   cfg.Container.Network,
			GroupsDir: cfg.GroupsDir,
			IPCDir:    cfg.IPCDir(),
			InputDir:  filepath.Join(cfg.DataDir, "input"),
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		r, err := agent.NewADKRunner(agent.ADKConfig{
			Model:     cfg.Agent.Model,
			APIKey:    cfg.Agent.APIKey,
			GroupsDir: cfg.GroupsDir,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ensureMailboxes creates the request queues of the main tenant and every
// registered group.
func (a *App) ensureMailboxes() error {
	folders := []string{a.cfg.MainGroupFolder}
	for _, g := range a.Registry.All() {
		folders = append(folders, g.Folder)
	}
	dirs := []string{filepath.Join(a.cfg.IPCDir(), "errors")}
	for _, f := range folders {
		dirs = append(dirs,
			filepath.Join(a.cfg.IPCDir(), f, "messages"),
			filepath.Join(a.cfg.IPCDir(), f, "tasks"),
		)
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// Run starts every loop and blocks until ctx is cancelled or the channel
// fails. Loops are stopped before it returns.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.watcher.Start(ctx); err != nil {
		return err
	}
	defer a.watcher.Stop()
	a.syncer.Start(ctx)
	defer a.syncer.Stop()
	a.scheduler.Start(ctx)
	defer a.scheduler.Stop()
	a.router.Start(ctx)
	defer a.router.Stop()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	if addr := a.cfg.Metrics.Addr; addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Metrics.Serve(ctx, addr); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		a.log.Info().Str("addr", addr).Msg("metrics listening")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.channel.Run(ctx); err != nil {
			errCh <- fmt.Errorf("channel: %w", err)
		}
	}()

	a.log.Info().
		Str("assistant", a.cfg.AssistantName).
		Int("groups", len(a.Registry.ChatIDs())).
		Str("backend", a.cfg.Agent.Backend).
		Msg("tgclaw running")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.log.Error().Err(runErr).Msg("component failed, shutting down")
	}
	cancel()
	wg.Wait()
	return runErr
}

// Close releases the worker backend and the database.
func (a *App) Close() error {
	var errs []error
	if c, ok := a.runner.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
