package router

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkerlin/tgclaw/internal/agent"
	"github.com/linkerlin/tgclaw/internal/db"
	"github.com/linkerlin/tgclaw/internal/state"
	"github.com/linkerlin/tgclaw/internal/types"
)

type scriptedInvoker struct {
	mu      sync.Mutex
	prompts []string
	// fail maps a 1-based call number to the error that call returns.
	fail   map[int]error
	output func(call int) agent.Output
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req agent.Request) (agent.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, req.Prompt)
	call := len(s.prompts)
	if err, ok := s.fail[call]; ok {
		return agent.Output{}, err
	}
	if s.output != nil {
		return s.output(call), nil
	}
	text := "reply"
	return agent.Output{Status: agent.StatusSuccess, Result: &text}, nil
}

type fakeChannel struct {
	mu     sync.Mutex
	sent   []string
	typing int
	stops  int
}

func (f *fakeChannel) Send(ctx context.Context, chatID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+"|"+text)
}

func (f *fakeChannel) Typing(ctx context.Context, chatID string) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stops++
	}
}

type routerFixture struct {
	store   *db.DB
	state   *state.RouterState
	invoker *scriptedInvoker
	channel *fakeChannel
	router  *Router
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	dir := t.TempDir()
	store, err := db.Open(filepath.Join(dir, "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg, err := state.LoadRegistry(dir, "main")
	require.NoError(t, err)
	require.NoError(t, reg.Register("100", types.RegisteredGroup{Name: "Main", Folder: "main", Trigger: "@Andy"}))
	require.NoError(t, reg.Register("200", types.RegisteredGroup{Name: "Family", Folder: "family", Trigger: "@Andy"}))

	rs, err := state.LoadRouterState(dir)
	require.NoError(t, err)

	f := &routerFixture{store: store, state: rs, invoker: &scriptedInvoker{fail: map[int]error{}}, channel: &fakeChannel{}}
	f.router = New(Config{
		Store:         store,
		Registry:      reg,
		State:         rs,
		Invoker:       f.invoker,
		Channel:       f.channel,
		AssistantName: "Andy",
		Logger:        zerolog.Nop(),
	})
	return f
}

func (f *routerFixture) store1(t *testing.T, id, chatID, content, ts string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.StoreChatMetadata(ctx, chatID, ts, ""))
	require.NoError(t, f.store.StoreMessage(ctx, types.NewMessage{
		ID: id, ChatID: chatID, Sender: "u", SenderName: "Alice", Content: content, Timestamp: ts,
	}))
}

const (
	ts10 = "2024-01-01T00:00:10.000Z"
	ts20 = "2024-01-01T00:00:20.000Z"
	ts30 = "2024-01-01T00:00:30.000Z"
)

func TestRouter_FailureStopsBatchAndRedelivers(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	f.store1(t, "m1", "100", "one", ts10)
	f.store1(t, "m2", "100", "two", ts20)
	f.store1(t, "m3", "100", "three", ts30)
	f.invoker.fail[2] = errors.New("worker unreachable")

	err := f.router.Tick(ctx)
	require.Error(t, err)
	assert.Equal(t, ts10, f.state.LastTimestamp())
	assert.Len(t, f.invoker.prompts, 2)
	assert.Equal(t, []string{"100|Andy: reply"}, f.channel.sent)

	require.NoError(t, f.router.Tick(ctx))
	assert.Equal(t, ts30, f.state.LastTimestamp())
	require.Len(t, f.invoker.prompts, 4)
	// The retried batch starts at M2.
	assert.Contains(t, f.invoker.prompts[2], "two")
	assert.NotContains(t, f.invoker.prompts[2], ">one<")
	assert.Equal(t, f.channel.typing, f.channel.stops)
}

func TestRouter_TriggerRequiredOutsideMain(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	f.store1(t, "m1", "200", "just chatting", ts10)
	f.store1(t, "m2", "200", "@andy what's the weather?", ts20)

	require.NoError(t, f.router.Tick(ctx))

	require.Len(t, f.invoker.prompts, 1)
	// The ignored message is still included as context for the triggered one.
	assert.Contains(t, f.invoker.prompts[0], "just chatting")
	assert.Contains(t, f.invoker.prompts[0], "what&apos;s the weather?")
	assert.Equal(t, ts20, f.state.LastTimestamp())
	assert.Equal(t, types.MessageCursor{Timestamp: ts20, ChatID: "200", ID: "m2"}, f.state.AgentSince("200"))
	assert.Equal(t, []string{"200|Andy: reply"}, f.channel.sent)
}

func TestRouter_IgnoresUnregisteredAndOwnReplies(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	f.store1(t, "m1", "999", "hello", ts10)
	f.store1(t, "m2", "100", "Andy: earlier reply", ts20)

	require.NoError(t, f.router.Tick(ctx))

	assert.Empty(t, f.invoker.prompts)
	assert.Empty(t, f.state.LastTimestamp())
}

func TestRouter_WorkerErrorSendsNothing(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	f.invoker.output = func(int) agent.Output {
		return agent.Output{Status: agent.StatusError, Error: "model overloaded"}
	}
	f.store1(t, "m1", "100", "hi", ts10)

	require.NoError(t, f.router.Tick(ctx))

	assert.Empty(t, f.channel.sent)
	assert.Equal(t, ts10, f.state.LastTimestamp())
	assert.Empty(t, f.state.AgentSince("100").Timestamp)
}

func TestFormatMessages(t *testing.T) {
	got := FormatMessages([]types.NewMessage{
		{SenderName: `Bob "B"`, Timestamp: ts10, Content: "1 < 2 & 3"},
	})
	want := "<messages>\n" +
		`<message sender="Bob &quot;B&quot;" time="` + ts10 + `">1 &lt; 2 &amp; 3</message>` + "\n" +
		"</messages>"
	assert.Equal(t, want, got)
	assert.Empty(t, FormatMessages(nil))
}

func TestTriggerPattern(t *testing.T) {
	re := triggerPattern("@Andy")
	assert.True(t, re.MatchString("@andy hello"))
	assert.True(t, re.MatchString("@Andy"))
	assert.False(t, re.MatchString("@Andrew hi"))
	assert.False(t, re.MatchString("hey @Andy"))

	re = triggerPattern("!bot:")
	assert.True(t, re.MatchString("!bot: go"))
	assert.True(t, strings.HasPrefix(re.String(), "(?i)^"))
}

func TestRouter_SameSecondMessageAfterMarkIsDelivered(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	f.store1(t, "m1", "100", "first", ts10)
	require.NoError(t, f.router.Tick(ctx))
	require.Len(t, f.invoker.prompts, 1)

	// Arrives after the mark reached ts10, within the same second.
	f.store1(t, "m2", "100", "second", ts10)
	require.NoError(t, f.router.Tick(ctx))

	require.Len(t, f.invoker.prompts, 2)
	assert.Contains(t, f.invoker.prompts[1], ">second<")
	assert.NotContains(t, f.invoker.prompts[1], ">first<")
	assert.Equal(t, types.MessageCursor{Timestamp: ts10, ChatID: "100", ID: "m2"}, f.state.Mark())

	require.NoError(t, f.router.Tick(ctx))
	assert.Len(t, f.invoker.prompts, 2)
}

func TestRouter_OwnReplyPrefixIsExact(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	f.store1(t, "m1", "100", "andy: lowercase is a user", ts10)
	f.store1(t, "m2", "100", "Andy: my own reply", ts20)

	require.NoError(t, f.router.Tick(ctx))

	require.Len(t, f.invoker.prompts, 1)
	assert.Contains(t, f.invoker.prompts[0], "andy: lowercase is a user")
	assert.NotContains(t, f.invoker.prompts[0], "my own reply")
}
