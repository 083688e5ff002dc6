package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/linkerlin/tgclaw/internal/types"
)

const (
	TasksSnapshotFile  = "current_tasks.json"
	GroupsSnapshotFile = "available_groups.json"
)

// TaskSnapshot is a task as presented to a worker.
type TaskSnapshot struct {
	ID            string             `json:"id"`
	GroupFolder   string             `json:"groupFolder"`
	Prompt        string             `json:"prompt"`
	ScheduleType  types.ScheduleType `json:"schedule_type"`
	ScheduleValue string             `json:"schedule_value"`
	Status        types.TaskStatus   `json:"status"`
	NextRun       *string            `json:"next_run"`
}

// GroupsSnapshot is the content of available_groups.json.
type GroupsSnapshot struct {
	Groups   []types.AvailableGroup `json:"groups"`
	LastSync string                 `json:"lastSync"`
}

// WriteTasksSnapshot writes the tasks folder may see into its IPC directory.
// The main group sees every task; other groups only their own.
func WriteTasksSnapshot(ipcDir, folder string, isMain bool, tasks []types.ScheduledTask) error {
	visible := make([]TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		if !isMain && t.GroupFolder != folder {
			continue
		}
		visible = append(visible, TaskSnapshot{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			Status:        t.Status,
			NextRun:       t.NextRun,
		})
	}
	return writeSnapshot(filepath.Join(ipcDir, folder, TasksSnapshotFile), visible)
}

// WriteGroupsSnapshot writes the chats folder may see into its IPC directory.
// The main group sees all known chats; other groups only registered ones.
func WriteGroupsSnapshot(ipcDir, folder string, isMain bool, groups []types.AvailableGroup, lastSync string) error {
	snap := GroupsSnapshot{Groups: []types.AvailableGroup{}, LastSync: lastSync}
	for _, g := range groups {
		if isMain || g.IsRegistered {
			snap.Groups = append(snap.Groups, g)
		}
	}
	return writeSnapshot(filepath.Join(ipcDir, folder, GroupsSnapshotFile), snap)
}

func writeSnapshot(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ipc dir: %w", err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
