package agent

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/linkerlin/tgclaw/internal/queue"
	"github.com/linkerlin/tgclaw/internal/state"
	"github.com/linkerlin/tgclaw/internal/types"
)

// TaskLister is the slice of the store the invoker reads for snapshots.
type TaskLister interface {
	GetAllTasks(ctx context.Context) ([]types.ScheduledTask, error)
}

// GroupCatalog lists known chats for the groups snapshot.
type GroupCatalog interface {
	AvailableGroups(ctx context.Context) ([]types.AvailableGroup, error)
	LastSync(ctx context.Context) (string, error)
}

// InvokerConfig wires an Invoker.
type InvokerConfig struct {
	Runner   Runner
	Tasks    TaskLister
	Groups   GroupCatalog
	Registry *state.Registry
	Sessions *state.Sessions
	Limiter  *queue.Limiter
	IPCDir   string
	Logger   zerolog.Logger
}

// Invoker is the single path through which workers are run.
type Invoker struct {
	cfg InvokerConfig
	log zerolog.Logger
}

func NewInvoker(cfg InvokerConfig) *Invoker {
	return &Invoker{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "invoker").Logger(),
	}
}

// Request describes one invocation on behalf of a registered group.
type Request struct {
	ChatID string
	Group  types.RegisteredGroup
	Prompt string
	Mode   types.ContextMode
}

// Invoke refreshes the group's snapshots, runs the worker under the
// concurrency limiter and, in group context mode, records the session handle
// the worker returns. Isolated runs always start a fresh session.
func (iv *Invoker) Invoke(ctx context.Context, req Request) (Output, error) {
	folder := req.Group.Folder
	isMain := iv.cfg.Registry.IsMain(folder)

	if err := iv.writeSnapshots(ctx, folder, isMain); err != nil {
		return Output{}, err
	}

	mode := req.Mode
	if mode == "" {
		mode = types.ContextIsolated
	}
	in := Input{
		Prompt:      req.Prompt,
		GroupFolder: folder,
		ChatID:      req.ChatID,
		IsMain:      isMain,
		ContextMode: mode,
		Container:   req.Group.ContainerConfig,
	}
	if mode == types.ContextGroup {
		in.SessionID = iv.cfg.Sessions.Get(folder)
	}

	var out Output
	err := iv.cfg.Limiter.Do(ctx, folder, func(ctx context.Context) error {
		var runErr error
		out, runErr = iv.cfg.Runner.Run(ctx, in)
		return runErr
	})
	if err != nil {
		return Output{}, fmt.Errorf("invoke %s: %w", folder, err)
	}

	if mode == types.ContextGroup && out.NewSessionID != "" {
		if err := iv.cfg.Sessions.Set(folder, out.NewSessionID); err != nil {
			iv.log.Error().Err(err).Str("group", folder).Msg("persist session")
		}
	}
	if out.Status == StatusError {
		iv.log.Warn().Str("group", folder).Str("error", out.Error).Msg("worker reported error")
	}
	return out, nil
}

func (iv *Invoker) writeSnapshots(ctx context.Context, folder string, isMain bool) error {
	tasks, err := iv.cfg.Tasks.GetAllTasks(ctx)
	if err != nil {
		return fmt.Errorf("tasks snapshot: %w", err)
	}
	if err := WriteTasksSnapshot(iv.cfg.IPCDir, folder, isMain, tasks); err != nil {
		return err
	}

	groups, err := iv.cfg.Groups.AvailableGroups(ctx)
	if err != nil {
		return fmt.Errorf("groups snapshot: %w", err)
	}
	lastSync, err := iv.cfg.Groups.LastSync(ctx)
	if err != nil {
		return fmt.Errorf("groups snapshot: %w", err)
	}
	return WriteGroupsSnapshot(iv.cfg.IPCDir, folder, isMain, groups, lastSync)
}
