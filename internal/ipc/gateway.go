package ipc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/linkerlin/tgclaw/internal/agent"
	"github.com/linkerlin/tgclaw/internal/db"
	"github.com/linkerlin/tgclaw/internal/schedule"
	"github.com/linkerlin/tgclaw/internal/state"
	"github.com/linkerlin/tgclaw/internal/types"
)

// Sender delivers a chat message. Delivery is best-effort.
type Sender interface {
	Send(ctx context.Context, chatID, text string)
}

// GroupSyncer refreshes chat metadata for refresh_groups.
type GroupSyncer interface {
	Sync(ctx context.Context, force bool) error
	AvailableGroups(ctx context.Context) ([]types.AvailableGroup, error)
	LastSync(ctx context.Context) (string, error)
}

type GatewayConfig struct {
	Store         *db.DB
	Registry      *state.Registry
	Sender        Sender
	Groups        GroupSyncer
	Location      *time.Location
	AssistantName string
	GroupsDir     string
	IPCDir        string
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Gateway is the only path through which mailbox requests send messages,
// create or change tasks, or register groups.
type Gateway struct {
	cfg GatewayConfig
	log zerolog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gateway{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "gateway").Logger(),
	}
}

// Apply authorises req as coming from src and performs it. A refused request
// returns an error wrapping ErrDenied; any other error is an infrastructure
// failure.
func (g *Gateway) Apply(ctx context.Context, src Source, req Request) error {
	switch r := req.(type) {
	case SendMessage:
		return g.sendMessage(ctx, src, r)
	case ScheduleTask:
		return g.scheduleTask(ctx, src, r)
	case PauseTask:
		return g.setTaskStatus(ctx, src, KindPauseTask, r.TaskID, types.TaskPaused)
	case ResumeTask:
		return g.setTaskStatus(ctx, src, KindResumeTask, r.TaskID, types.TaskActive)
	case CancelTask:
		return g.cancelTask(ctx, src, r)
	case RefreshGroups:
		return g.refreshGroups(ctx, src)
	case RegisterGroup:
		return g.registerGroup(ctx, src, r)
	}
	return fmt.Errorf("%w: unsupported request %T", ErrMalformed, req)
}

func (g *Gateway) deny(src Source, kind, target, reason string) error {
	g.log.Warn().
		Str("source_group", src.Folder).
		Bool("source_main", src.IsMain).
		Str("kind", kind).
		Str("target", target).
		Str("reason", reason).
		Msg("mailbox request denied")
	return fmt.Errorf("%w: %s %s: %s", ErrDenied, kind, target, reason)
}

func (g *Gateway) sendMessage(ctx context.Context, src Source, r SendMessage) error {
	if r.ChatID == "" || r.Text == "" {
		return g.deny(src, KindMessage, r.ChatID, "chatId and text are required")
	}
	if !src.IsMain {
		target, ok := g.cfg.Registry.Get(r.ChatID)
		if !ok || target.Folder != src.Folder {
			return g.deny(src, KindMessage, r.ChatID, "chat belongs to another group")
		}
	}
	g.cfg.Sender.Send(ctx, r.ChatID, g.cfg.AssistantName+": "+r.Text)
	g.log.Info().Str("source_group", src.Folder).Str("chat", r.ChatID).Msg("mailbox message sent")
	return nil
}

func (g *Gateway) scheduleTask(ctx context.Context, src Source, r ScheduleTask) error {
	if r.Prompt == "" || r.ScheduleType == "" || r.ScheduleValue == "" || r.GroupFolder == "" {
		return g.deny(src, KindScheduleTask, r.GroupFolder, "prompt, schedule_type, schedule_value and groupFolder are required")
	}
	if !src.IsMain && r.GroupFolder != src.Folder {
		return g.deny(src, KindScheduleTask, r.GroupFolder, "cannot schedule for another group")
	}

	// The chat is always resolved from the registry, never taken from the payload.
	chatID, _, ok := g.cfg.Registry.FolderChat(r.GroupFolder)
	if !ok {
		return g.deny(src, KindScheduleTask, r.GroupFolder, "target group is not registered")
	}

	now := g.cfg.Now()
	kind := types.ScheduleType(r.ScheduleType)
	next, err := schedule.Next(kind, r.ScheduleValue, now, g.cfg.Location)
	if err != nil {
		if errors.Is(err, schedule.ErrInvalidSchedule) {
			return g.deny(src, KindScheduleTask, r.GroupFolder, err.Error())
		}
		return err
	}
	nextRun := schedule.Format(*next)

	mode := types.ContextMode(r.ContextMode)
	if !mode.Valid() {
		mode = types.ContextIsolated
	}

	task := types.ScheduledTask{
		ID:            "task-" + uuid.NewString(),
		GroupFolder:   r.GroupFolder,
		ChatID:        chatID,
		Prompt:        r.Prompt,
		ScheduleType:  kind,
		ScheduleValue: r.ScheduleValue,
		ContextMode:   mode,
		NextRun:       &nextRun,
		Status:        types.TaskActive,
		CreatedAt:     types.FormatTime(now),
	}
	if err := g.cfg.Store.CreateTask(ctx, task); err != nil {
		return err
	}
	g.log.Info().
		Str("task", task.ID).
		Str("source_group", src.Folder).
		Str("target_group", r.GroupFolder).
		Str("context_mode", string(mode)).
		Str("next_run", nextRun).
		Msg("task created")
	return nil
}

// ownedTask loads a task and checks src may act on it.
func (g *Gateway) ownedTask(ctx context.Context, src Source, kind, taskID string) (*types.ScheduledTask, error) {
	if taskID == "" {
		return nil, g.deny(src, kind, "", "taskId is required")
	}
	task, err := g.cfg.Store.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, g.deny(src, kind, taskID, "task not found")
	}
	if !src.IsMain && task.GroupFolder != src.Folder {
		return nil, g.deny(src, kind, taskID, "task belongs to "+task.GroupFolder)
	}
	return task, nil
}

func (g *Gateway) setTaskStatus(ctx context.Context, src Source, kind, taskID string, status types.TaskStatus) error {
	task, err := g.ownedTask(ctx, src, kind, taskID)
	if err != nil {
		return err
	}
	// Completed tasks have no next run; reviving one would leave it active but never due.
	if task.Status == types.TaskCompleted {
		return g.deny(src, kind, taskID, "task is completed")
	}
	if err := g.cfg.Store.UpdateTask(ctx, taskID, db.TaskUpdate{Status: &status}); err != nil {
		return err
	}
	g.log.Info().Str("task", taskID).Str("source_group", src.Folder).Str("status", string(status)).Msg("task status changed")
	return nil
}

func (g *Gateway) cancelTask(ctx context.Context, src Source, r CancelTask) error {
	if _, err := g.ownedTask(ctx, src, KindCancelTask, r.TaskID); err != nil {
		return err
	}
	if err := g.cfg.Store.DeleteTask(ctx, r.TaskID); err != nil {
		return err
	}
	g.log.Info().Str("task", r.TaskID).Str("source_group", src.Folder).Msg("task cancelled")
	return nil
}

func (g *Gateway) refreshGroups(ctx context.Context, src Source) error {
	if !src.IsMain {
		return g.deny(src, KindRefreshGroups, "", "only the main group may refresh groups")
	}
	g.log.Info().Str("source_group", src.Folder).Msg("group metadata refresh requested")
	if err := g.cfg.Groups.Sync(ctx, true); err != nil {
		return fmt.Errorf("sync groups: %w", err)
	}
	groups, err := g.cfg.Groups.AvailableGroups(ctx)
	if err != nil {
		return err
	}
	lastSync, err := g.cfg.Groups.LastSync(ctx)
	if err != nil {
		return err
	}
	return agent.WriteGroupsSnapshot(g.cfg.IPCDir, src.Folder, true, groups, lastSync)
}

func (g *Gateway) registerGroup(ctx context.Context, src Source, r RegisterGroup) error {
	if !src.IsMain {
		return g.deny(src, KindRegisterGroup, r.ChatID, "only the main group may register groups")
	}
	if r.ChatID == "" || r.Name == "" || r.Folder == "" || r.Trigger == "" {
		return g.deny(src, KindRegisterGroup, r.ChatID, "chatId, name, folder and trigger are required")
	}
	if !state.ValidFolder(r.Folder) || r.Folder == errorsDir {
		return g.deny(src, KindRegisterGroup, r.ChatID, fmt.Sprintf("invalid folder %q", r.Folder))
	}

	group := types.RegisteredGroup{
		Name:            r.Name,
		Folder:          r.Folder,
		Trigger:         r.Trigger,
		AddedAt:         types.FormatTime(g.cfg.Now()),
		ContainerConfig: r.ContainerConfig,
	}
	if err := RegisterGroupDirs(g.cfg.Registry, g.cfg.GroupsDir, g.cfg.IPCDir, r.ChatID, group); err != nil {
		return err
	}
	g.log.Info().Str("chat", r.ChatID).Str("folder", r.Folder).Str("name", r.Name).Msg("group registered")
	return nil
}

// RegisterGroupDirs registers group for chatID and prepares its group and
// mailbox directories.
func RegisterGroupDirs(reg *state.Registry, groupsDir, ipcDir, chatID string, group types.RegisteredGroup) error {
	if err := reg.Register(chatID, group); err != nil {
		return err
	}
	for _, dir := range []string{
		filepath.Join(groupsDir, group.Folder, "logs"),
		filepath.Join(ipcDir, group.Folder, messagesDir),
		filepath.Join(ipcDir, group.Folder, tasksDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
