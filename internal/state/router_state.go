package state

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/linkerlin/tgclaw/internal/types"
)

const routerStateFile = "router_state.json"

type routerSnapshot struct {
	LastTimestamp      string            `json:"last_timestamp"`
	LastChatID         string            `json:"last_chat_id,omitempty"`
	LastMessageID      string            `json:"last_message_id,omitempty"`
	LastAgentTimestamp map[string]string `json:"last_agent_timestamp"`
	LastAgentMessageID map[string]string `json:"last_agent_message_id,omitempty"`
}

// RouterState holds the router's low-water-mark and, per chat, the position
// of the last message a worker replied to.
type RouterState struct {
	mu   sync.Mutex
	path string
	snap routerSnapshot
}

func LoadRouterState(dataDir string) (*RouterState, error) {
	rs := &RouterState{path: filepath.Join(dataDir, routerStateFile)}
	if err := readJSON(rs.path, &rs.snap); err != nil {
		return nil, fmt.Errorf("load router state: %w", err)
	}
	if rs.snap.LastAgentTimestamp == nil {
		rs.snap.LastAgentTimestamp = make(map[string]string)
	}
	if rs.snap.LastAgentMessageID == nil {
		rs.snap.LastAgentMessageID = make(map[string]string)
	}
	return rs, nil
}

// LastTimestamp is the timestamp of the newest fully processed message.
func (rs *RouterState) LastTimestamp() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.snap.LastTimestamp
}

// Mark is the position of the newest fully processed message.
func (rs *RouterState) Mark() types.MessageCursor {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.mark()
}

func (rs *RouterState) mark() types.MessageCursor {
	return types.MessageCursor{
		Timestamp: rs.snap.LastTimestamp,
		ChatID:    rs.snap.LastChatID,
		ID:        rs.snap.LastMessageID,
	}
}

// Advance moves the low-water-mark forward to c and persists it. It never
// moves the mark backwards.
func (rs *RouterState) Advance(c types.MessageCursor) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	prev := rs.mark()
	if !prev.Less(c) {
		return nil
	}
	rs.snap.LastTimestamp, rs.snap.LastChatID, rs.snap.LastMessageID = c.Timestamp, c.ChatID, c.ID
	if err := writeJSON(rs.path, rs.snap); err != nil {
		rs.snap.LastTimestamp, rs.snap.LastChatID, rs.snap.LastMessageID = prev.Timestamp, prev.ChatID, prev.ID
		return fmt.Errorf("save router state: %w", err)
	}
	return nil
}

// AgentSince is the position of the last message in chatID a worker replied to.
func (rs *RouterState) AgentSince(chatID string) types.MessageCursor {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return types.MessageCursor{
		Timestamp: rs.snap.LastAgentTimestamp[chatID],
		ChatID:    chatID,
		ID:        rs.snap.LastAgentMessageID[chatID],
	}
}

func (rs *RouterState) SetAgentSince(chatID string, c types.MessageCursor) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	prevTS, hadTS := rs.snap.LastAgentTimestamp[chatID]
	prevID, hadID := rs.snap.LastAgentMessageID[chatID]
	rs.snap.LastAgentTimestamp[chatID] = c.Timestamp
	rs.snap.LastAgentMessageID[chatID] = c.ID
	if err := writeJSON(rs.path, rs.snap); err != nil {
		restore(rs.snap.LastAgentTimestamp, chatID, prevTS, hadTS)
		restore(rs.snap.LastAgentMessageID, chatID, prevID, hadID)
		return fmt.Errorf("save router state: %w", err)
	}
	return nil
}

func restore(m map[string]string, key, prev string, had bool) {
	if had {
		m[key] = prev
	} else {
		delete(m, key)
	}
}
