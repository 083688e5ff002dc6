package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkerlin/tgclaw/internal/agent"
	"github.com/linkerlin/tgclaw/internal/config"
	"github.com/linkerlin/tgclaw/internal/ipc"
	"github.com/linkerlin/tgclaw/internal/types"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeChannel) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeChannel) Send(_ context.Context, chatID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+"|"+text)
}

func (f *fakeChannel) Typing(context.Context, string) func() { return func() {} }

func (f *fakeChannel) ChatTitle(_ context.Context, chatID string) (string, error) {
	return "chat " + chatID, nil
}

func (f *fakeChannel) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeRunner struct{}

func (fakeRunner) Run(_ context.Context, in agent.Input) (agent.Output, error) {
	reply := "pong"
	return agent.Output{Status: agent.StatusSuccess, Result: &reply, NewSessionID: "s-" + in.GroupFolder}, nil
}

func testConfig(t *testing.T) *config.Config {
	root := t.TempDir()
	return &config.Config{
		AssistantName:         "Andy",
		MainGroupFolder:       "main",
		DataDir:               filepath.Join(root, "data"),
		GroupsDir:             filepath.Join(root, "groups"),
		StoreDir:              filepath.Join(root, "store"),
		PollInterval:          10 * time.Millisecond,
		SchedulerPollInterval: time.Hour,
		IPCPollInterval:       10 * time.Millisecond,
		GroupSyncInterval:     time.Hour,
		MaxConcurrentAgents:   2,
		Agent:                 config.AgentConfig{Backend: "adk"},
	}
}

func TestNewCreatesLayout(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(cfg, zerolog.Nop(), Options{Channel: &fakeChannel{}, Runner: fakeRunner{}})
	require.NoError(t, err)
	defer app.Close()

	for _, dir := range []string{
		filepath.Join(cfg.IPCDir(), "main", "messages"),
		filepath.Join(cfg.IPCDir(), "main", "tasks"),
		filepath.Join(cfg.IPCDir(), "errors"),
		filepath.Join(cfg.GroupsDir, "main", "logs"),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}
	_, err = os.Stat(cfg.DBPath())
	assert.NoError(t, err)
}

func TestRunRoutesMessagesAndMailbox(t *testing.T) {
	cfg := testConfig(t)
	ch := &fakeChannel{}
	app, err := New(cfg, zerolog.Nop(), Options{Channel: ch, Runner: fakeRunner{}})
	require.NoError(t, err)
	defer app.Close()

	require.NoError(t, ipc.RegisterGroupDirs(app.Registry, cfg.GroupsDir, cfg.IPCDir(), "100",
		types.RegisteredGroup{Name: "Main", Folder: "main", Trigger: "@Andy"}))
	require.NoError(t, app.Store.StoreMessage(context.Background(), types.NewMessage{
		ID: "m1", ChatID: "100", Sender: "7", SenderName: "Ada", Content: "ping",
		Timestamp: types.FormatTime(time.Now()),
	}))

	// A main-tenant request in the mailbox is applied while running.
	req := []byte(`{"type":"message","chatId":"100","text":"from mailbox"}`)
	tmp := filepath.Join(cfg.IPCDir(), "main", "messages", ".req.tmp")
	require.NoError(t, os.WriteFile(tmp, req, 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(cfg.IPCDir(), "main", "messages", "1.json")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return len(ch.messages()) >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.ElementsMatch(t, []string{"100|Andy: pong", "100|Andy: from mailbox"}, ch.messages())
}
