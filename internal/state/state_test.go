package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkerlin/tgclaw/internal/types"
)

func TestRegistry_RegisterAndReload(t *testing.T) {
	dir := t.TempDir()
	r, err := LoadRegistry(dir, "main")
	require.NoError(t, err)
	assert.Empty(t, r.ChatIDs())

	require.NoError(t, r.Register("100", types.RegisteredGroup{Name: "Main", Folder: "main", Trigger: "@Andy"}))
	require.NoError(t, r.Register("200", types.RegisteredGroup{Name: "Family", Folder: "family", Trigger: "@Andy"}))

	reloaded, err := LoadRegistry(dir, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "200"}, reloaded.ChatIDs())

	g, ok := reloaded.Get("200")
	require.True(t, ok)
	assert.Equal(t, "family", g.Folder)

	chatID, _, ok := reloaded.FolderChat("family")
	require.True(t, ok)
	assert.Equal(t, "200", chatID)

	_, _, ok = reloaded.FolderChat("unknown")
	assert.False(t, ok)

	assert.True(t, reloaded.IsMain("main"))
	assert.False(t, reloaded.IsMain("family"))
}

func TestRegistry_RejectsUnsafeFolder(t *testing.T) {
	r, err := LoadRegistry(t.TempDir(), "main")
	require.NoError(t, err)

	for _, folder := range []string{"", "../etc", "a/b", ".hidden", "errors/x"} {
		err := r.Register("1", types.RegisteredGroup{Name: "x", Folder: folder})
		assert.Error(t, err, "folder %q", folder)
	}
	assert.Empty(t, r.ChatIDs())
}

func TestRegistry_CorruptFileFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, registryFile), []byte("{nope"), 0o644))
	_, err := LoadRegistry(dir, "main")
	assert.Error(t, err)
}

func TestSessions_Persist(t *testing.T) {
	dir := t.TempDir()
	s, err := LoadSessions(dir)
	require.NoError(t, err)
	assert.Empty(t, s.Get("main"))

	require.NoError(t, s.Set("main", "sess-1"))

	reloaded, err := LoadSessions(dir)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", reloaded.Get("main"))
}

func TestRouterState_AdvanceIsMonotonic(t *testing.T) {
	dir := t.TempDir()
	rs, err := LoadRouterState(dir)
	require.NoError(t, err)

	second := types.MessageCursor{Timestamp: "2024-01-01T00:00:02.000Z", ChatID: "c1", ID: "9"}
	require.NoError(t, rs.Advance(second))
	require.NoError(t, rs.Advance(types.MessageCursor{Timestamp: "2024-01-01T00:00:01.000Z", ChatID: "c9", ID: "1"}))
	assert.Equal(t, second, rs.Mark())

	// Same second: ids order numerically.
	tenth := types.MessageCursor{Timestamp: second.Timestamp, ChatID: "c1", ID: "10"}
	require.NoError(t, rs.Advance(tenth))
	assert.Equal(t, tenth, rs.Mark())
	require.NoError(t, rs.Advance(second))
	assert.Equal(t, tenth, rs.Mark())

	require.NoError(t, rs.SetAgentSince("c1", tenth))

	reloaded, err := LoadRouterState(dir)
	require.NoError(t, err)
	assert.Equal(t, tenth, reloaded.Mark())
	assert.Equal(t, "2024-01-01T00:00:02.000Z", reloaded.LastTimestamp())
	assert.Equal(t, tenth, reloaded.AgentSince("c1"))
	assert.Empty(t, reloaded.AgentSince("c2").Timestamp)
}
