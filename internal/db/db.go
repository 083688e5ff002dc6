package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/linkerlin/tgclaw/internal/types"
	_ "modernc.org/sqlite"
)

// groupSyncChatID is the sentinel chat row that stores the last metadata sync time.
const groupSyncChatID = "__group_sync__"

// DB wraps a *sql.DB with tgclaw-specific operations.
type DB struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
  chat_id TEXT PRIMARY KEY,
  name TEXT,
  last_message_time TEXT
);

CREATE TABLE IF NOT EXISTS messages (
  id TEXT,
  chat_id TEXT,
  sender TEXT,
  sender_name TEXT,
  content TEXT,
  timestamp TEXT,
  is_from_me INTEGER,
  PRIMARY KEY (id, chat_id),
  FOREIGN KEY (chat_id) REFERENCES chats(chat_id)
);
CREATE INDEX IF NOT EXISTS idx_timestamp ON messages(timestamp);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id TEXT PRIMARY KEY,
  group_folder TEXT NOT NULL,
  chat_id TEXT NOT NULL,
  prompt TEXT NOT NULL,
  schedule_type TEXT NOT NULL,
  schedule_value TEXT NOT NULL,
  context_mode TEXT DEFAULT 'isolated',
  next_run TEXT,
  last_run TEXT,
  last_result TEXT,
  status TEXT DEFAULT 'active',
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_next_run ON scheduled_tasks(next_run);
CREATE INDEX IF NOT EXISTS idx_status ON scheduled_tasks(status);

CREATE TABLE IF NOT EXISTS task_run_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  run_at TEXT NOT NULL,
  duration_ms INTEGER NOT NULL,
  status TEXT NOT NULL,
  result TEXT,
  error TEXT,
  FOREIGN KEY (task_id) REFERENCES scheduled_tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_task_run_logs ON task_run_logs(task_id, run_at);
`

// Open opens (or creates) the SQLite database at the given path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	sqldb, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer keeps SQLITE_BUSY out of the polling loops.
	sqldb.SetMaxOpenConns(1)
	if _, err := sqldb.Exec(schema); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{db: sqldb}, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// ---- Chats -----------------------------------------------------------------

// StoreChatMetadata records that a chat was seen at timestamp. An empty name
// keeps whatever name is already stored.
func (d *DB) StoreChatMetadata(ctx context.Context, chatID, timestamp, name string) error {
	var err error
	if name != "" {
		_, err = d.db.ExecContext(ctx, `
			INSERT INTO chats (chat_id, name, last_message_time) VALUES (?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
			  name = excluded.name,
			  last_message_time = MAX(last_message_time, excluded.last_message_time)`,
			chatID, name, timestamp)
	} else {
		_, err = d.db.ExecContext(ctx, `
			INSERT INTO chats (chat_id, name, last_message_time) VALUES (?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
			  last_message_time = MAX(last_message_time, excluded.last_message_time)`,
			chatID, chatID, timestamp)
	}
	if err != nil {
		return fmt.Errorf("store chat metadata: %w", err)
	}
	return nil
}

// UpdateChatName sets a chat's display name without touching its activity time.
func (d *DB) UpdateChatName(ctx context.Context, chatID, name, now string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO chats (chat_id, name, last_message_time) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET name = excluded.name`,
		chatID, name, now)
	if err != nil {
		return fmt.Errorf("update chat name: %w", err)
	}
	return nil
}

// GetAllChats returns all known chats, most recently active first.
func (d *DB) GetAllChats(ctx context.Context) ([]types.ChatInfo, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT chat_id, COALESCE(name, ''), COALESCE(last_message_time, '')
		FROM chats
		WHERE chat_id != ?
		ORDER BY last_message_time DESC`, groupSyncChatID)
	if err != nil {
		return nil, fmt.Errorf("get chats: %w", err)
	}
	defer rows.Close()

	var chats []types.ChatInfo
	for rows.Next() {
		var c types.ChatInfo
		if err := rows.Scan(&c.ChatID, &c.Name, &c.LastMessageTime); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetLastGroupSync returns when group metadata was last synced, or "" if never.
func (d *DB) GetLastGroupSync(ctx context.Context) (string, error) {
	var ts string
	err := d.db.QueryRowContext(ctx,
		`SELECT last_message_time FROM chats WHERE chat_id = ?`, groupSyncChatID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get last group sync: %w", err)
	}
	return ts, nil
}

// SetLastGroupSync records a group metadata sync at now.
func (d *DB) SetLastGroupSync(ctx context.Context, now string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chats (chat_id, name, last_message_time) VALUES (?, ?, ?)`,
		groupSyncChatID, groupSyncChatID, now)
	if err != nil {
		return fmt.Errorf("set last group sync: %w", err)
	}
	return nil
}

// ---- Messages --------------------------------------------------------------

// StoreMessage stores a message with full content. Only called for registered chats.
func (d *DB) StoreMessage(ctx context.Context, m types.NewMessage) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages (id, chat_id, sender, sender_name, content, timestamp, is_from_me)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.Sender, m.SenderName, m.Content, m.Timestamp, boolInt(m.IsFromMe),
	)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

// Message stream order; must agree with types.MessageCursor.Less.
const messageOrder = `ORDER BY timestamp, chat_id, length(id), id`

// GetNewMessages returns messages after the cursor in any of chatIDs, oldest
// first. Messages whose content starts with "<botPrefix>:" are the bot's own
// replies and are skipped.
func (d *DB) GetNewMessages(ctx context.Context, chatIDs []string, after types.MessageCursor, botPrefix string) ([]types.NewMessage, error) {
	if len(chatIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chatIDs)), ",")
	idLen := len(after.ID)
	args := []any{
		after.Timestamp, after.Timestamp, after.ChatID, after.ChatID, idLen, idLen, after.ID,
	}
	for _, id := range chatIDs {
		args = append(args, id)
	}
	args = append(args, selfPrefixArgs(botPrefix)...)

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, chat_id, sender, sender_name, content, timestamp, is_from_me
		FROM messages
		WHERE (timestamp > ? OR (timestamp = ? AND (chat_id > ? OR (chat_id = ? AND
		        (length(id) > ? OR (length(id) = ? AND id > ?))))))
		  AND chat_id IN (`+placeholders+`)
		  AND substr(content, 1, ?) != ?
		`+messageOrder, args...)
	if err != nil {
		return nil, fmt.Errorf("get new messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetMessagesSince returns one chat's messages after the cursor, oldest first,
// excluding the bot's own replies. The cursor's chat id is ignored.
func (d *DB) GetMessagesSince(ctx context.Context, chatID string, after types.MessageCursor, botPrefix string) ([]types.NewMessage, error) {
	idLen := len(after.ID)
	args := []any{chatID, after.Timestamp, after.Timestamp, idLen, idLen, after.ID}
	args = append(args, selfPrefixArgs(botPrefix)...)
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, chat_id, sender, sender_name, content, timestamp, is_from_me
		FROM messages
		WHERE chat_id = ?
		  AND (timestamp > ? OR (timestamp = ? AND (length(id) > ? OR (length(id) = ? AND id > ?))))
		  AND substr(content, 1, ?) != ?
		`+messageOrder, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ---- Tasks -----------------------------------------------------------------

// TaskUpdate carries the fields UpdateTask may change. Nil fields are left alone.
type TaskUpdate struct {
	Prompt        *string
	ScheduleType  *types.ScheduleType
	ScheduleValue *string
	NextRun       *string
	Status        *types.TaskStatus
}

const taskColumns = `id, group_folder, chat_id, prompt, schedule_type, schedule_value,
	COALESCE(context_mode, 'isolated'), next_run, last_run, last_result, status, created_at`

// CreateTask inserts a new scheduled task.
func (d *DB) CreateTask(ctx context.Context, t types.ScheduledTask) error {
	mode := t.ContextMode
	if mode == "" {
		mode = types.ContextIsolated
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, group_folder, chat_id, prompt, schedule_type, schedule_value, context_mode, next_run, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatID, t.Prompt, string(t.ScheduleType), t.ScheduleValue,
		string(mode), t.NextRun, string(t.Status), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTaskByID returns the task, or nil when it does not exist.
func (d *DB) GetTaskByID(ctx context.Context, id string) (*types.ScheduledTask, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

// GetTasksForGroup returns a group's tasks, newest first.
func (d *DB) GetTasksForGroup(ctx context.Context, groupFolder string) ([]types.ScheduledTask, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE group_folder = ? ORDER BY created_at DESC`, groupFolder)
	if err != nil {
		return nil, fmt.Errorf("get group tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetAllTasks returns every task, newest first.
func (d *DB) GetAllTasks(ctx context.Context) ([]types.ScheduledTask, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("get all tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTask applies a partial update.
func (d *DB) UpdateTask(ctx context.Context, id string, u TaskUpdate) error {
	var (
		fields []string
		args   []any
	)
	if u.Prompt != nil {
		fields = append(fields, "prompt = ?")
		args = append(args, *u.Prompt)
	}
	if u.ScheduleType != nil {
		fields = append(fields, "schedule_type = ?")
		args = append(args, string(*u.ScheduleType))
	}
	if u.ScheduleValue != nil {
		fields = append(fields, "schedule_value = ?")
		args = append(args, *u.ScheduleValue)
	}
	if u.NextRun != nil {
		fields = append(fields, "next_run = ?")
		args = append(args, *u.NextRun)
	}
	if u.Status != nil {
		fields = append(fields, "status = ?")
		args = append(args, string(*u.Status))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	if _, err := d.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET `+strings.Join(fields, ", ")+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// DeleteTask removes a task and its run logs.
func (d *DB) DeleteTask(ctx context.Context, id string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Children first (FK constraint).
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete task run logs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return tx.Commit()
}

// GetDueTasks returns active tasks whose next run is at or before now, oldest due first.
func (d *DB) GetDueTasks(ctx context.Context, now string) ([]types.ScheduledTask, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run`, now)
	if err != nil {
		return nil, fmt.Errorf("get due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTaskAfterRun records a run and advances the schedule. A nil nextRun
// retires the task (status completed).
func (d *DB) UpdateTaskAfterRun(ctx context.Context, id string, nextRun *string, lastRun, lastResult string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET next_run = ?, last_run = ?, last_result = ?,
		    status = CASE WHEN ? IS NULL THEN 'completed' ELSE status END
		WHERE id = ?`,
		nextRun, lastRun, lastResult, nextRun, id,
	)
	if err != nil {
		return fmt.Errorf("update task after run: %w", err)
	}
	return nil
}

// LogTaskRun appends a run log row.
func (d *DB) LogTaskRun(ctx context.Context, l types.TaskRunLog) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.TaskID, l.RunAt, l.DurationMS, string(l.Status), l.Result, l.Error,
	)
	if err != nil {
		return fmt.Errorf("log task run: %w", err)
	}
	return nil
}

// GetTaskRunLogs returns up to limit most recent runs of a task.
func (d *DB) GetTaskRunLogs(ctx context.Context, taskID string, limit int) ([]types.TaskRunLog, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, task_id, run_at, duration_ms, status, result, error
		FROM task_run_logs
		WHERE task_id = ?
		ORDER BY run_at DESC, id DESC
		LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("get task run logs: %w", err)
	}
	defer rows.Close()

	var logs []types.TaskRunLog
	for rows.Next() {
		var (
			l      types.TaskRunLog
			status string
		)
		if err := rows.Scan(&l.ID, &l.TaskID, &l.RunAt, &l.DurationMS, &status, &l.Result, &l.Error); err != nil {
			return nil, fmt.Errorf("scan task run log: %w", err)
		}
		l.Status = types.RunStatus(status)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]types.NewMessage, error) {
	var msgs []types.NewMessage
	for rows.Next() {
		var (
			m                  types.NewMessage
			sender, senderName sql.NullString
			content, timestamp sql.NullString
			fromMe             sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &sender, &senderName, &content, &timestamp, &fromMe); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender = sender.String
		m.SenderName = senderName.String
		m.Content = content.String
		m.Timestamp = timestamp.String
		m.IsFromMe = fromMe.Int64 != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanTasks(rows *sql.Rows) ([]types.ScheduledTask, error) {
	var tasks []types.ScheduledTask
	for rows.Next() {
		var (
			t                       types.ScheduledTask
			schedType, mode, status string
		)
		if err := rows.Scan(&t.ID, &t.GroupFolder, &t.ChatID, &t.Prompt,
			&schedType, &t.ScheduleValue, &mode,
			&t.NextRun, &t.LastRun, &t.LastResult,
			&status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.ScheduleType = types.ScheduleType(schedType)
		t.ContextMode = types.ContextMode(mode)
		t.Status = types.TaskStatus(status)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// selfPrefixArgs binds the exact, case-sensitive "<botPrefix>:" prefix test.
func selfPrefixArgs(botPrefix string) []any {
	prefix := botPrefix + ":"
	return []any{utf8.RuneCountInString(prefix), prefix}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
