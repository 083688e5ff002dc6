package types

// ScheduleType selects how a task's next run is derived.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

func (s ScheduleType) Valid() bool {
	switch s {
	case ScheduleCron, ScheduleInterval, ScheduleOnce:
		return true
	}
	return false
}

// ContextMode controls whether a task run shares the group's conversation session.
type ContextMode string

const (
	ContextIsolated ContextMode = "isolated"
	ContextGroup    ContextMode = "group"
)

func (c ContextMode) Valid() bool {
	return c == ContextIsolated || c == ContextGroup
}

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskActive, TaskPaused, TaskCompleted:
		return true
	}
	return false
}

// RunStatus is the outcome of a single task run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// ContainerConfig holds per-group overrides for the container worker backend.
type ContainerConfig struct {
	Image          string            `json:"image,omitempty"`
	TimeoutSeconds int               `json:"timeout,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	ExtraMounts    []Mount           `json:"additionalMounts,omitempty"`
}

// Mount is an extra host path exposed to a group's worker container.
type Mount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readonly,omitempty"`
}

// RegisteredGroup represents a group registered with the bot. It is keyed by
// chat id in the registry.
type RegisteredGroup struct {
	Name            string           `json:"name"`
	Folder          string           `json:"folder"`
	Trigger         string           `json:"trigger"`
	AddedAt         string           `json:"added_at"`
	ContainerConfig *ContainerConfig `json:"containerConfig,omitempty"`
}

// NewMessage represents an incoming message.
type NewMessage struct {
	ID         string `db:"id"`
	ChatID     string `db:"chat_id"`
	Sender     string `db:"sender"`
	SenderName string `db:"sender_name"`
	Content    string `db:"content"`
	Timestamp  string `db:"timestamp"`
	IsFromMe   bool   `db:"is_from_me"`
}

// ScheduledTask represents a recurring or one-time scheduled task.
type ScheduledTask struct {
	ID            string       `db:"id" json:"id"`
	GroupFolder   string       `db:"group_folder" json:"groupFolder"`
	ChatID        string       `db:"chat_id" json:"chatId"`
	Prompt        string       `db:"prompt" json:"prompt"`
	ScheduleType  ScheduleType `db:"schedule_type" json:"schedule_type"`
	ScheduleValue string       `db:"schedule_value" json:"schedule_value"`
	ContextMode   ContextMode  `db:"context_mode" json:"context_mode"`
	NextRun       *string      `db:"next_run" json:"next_run"`
	LastRun       *string      `db:"last_run" json:"last_run,omitempty"`
	LastResult    *string      `db:"last_result" json:"last_result,omitempty"`
	Status        TaskStatus   `db:"status" json:"status"`
	CreatedAt     string       `db:"created_at" json:"created_at"`
}

// TaskRunLog is one append-only record of a task run attempt.
type TaskRunLog struct {
	ID         int64     `db:"id"`
	TaskID     string    `db:"task_id"`
	RunAt      string    `db:"run_at"`
	DurationMS int64     `db:"duration_ms"`
	Status     RunStatus `db:"status"`
	Result     *string   `db:"result"`
	Error      *string   `db:"error"`
}

// ChatInfo is the metadata kept for every chat the bot has seen.
type ChatInfo struct {
	ChatID          string `db:"chat_id"`
	Name            string `db:"name"`
	LastMessageTime string `db:"last_message_time"`
}

// AvailableGroup is a chat as presented to a worker in the groups snapshot.
type AvailableGroup struct {
	ChatID       string `json:"chatId"`
	Name         string `json:"name"`
	LastActivity string `json:"lastActivity"`
	IsRegistered bool   `json:"isRegistered"`
}

// MessageCursor is a position in the message stream. Messages are ordered by
// timestamp, then chat id, then message id, so messages sharing a timestamp
// still have a strict order.
type MessageCursor struct {
	Timestamp string
	ChatID    string
	ID        string
}

// CursorOf returns the position of m.
func CursorOf(m NewMessage) MessageCursor {
	return MessageCursor{Timestamp: m.Timestamp, ChatID: m.ChatID, ID: m.ID}
}

// Less reports whether c sorts before o. Ids compare numerically when they are
// digit strings (shorter first, then lexically).
func (c MessageCursor) Less(o MessageCursor) bool {
	if c.Timestamp != o.Timestamp {
		return c.Timestamp < o.Timestamp
	}
	if c.ChatID != o.ChatID {
		return c.ChatID < o.ChatID
	}
	if len(c.ID) != len(o.ID) {
		return len(c.ID) < len(o.ID)
	}
	return c.ID < o.ID
}
