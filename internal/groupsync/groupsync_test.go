package groupsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkerlin/tgclaw/internal/db"
	"github.com/linkerlin/tgclaw/internal/state"
	"github.com/linkerlin/tgclaw/internal/types"
)

type fakeTitles struct {
	titles map[string]string
	calls  int
}

func (f *fakeTitles) ChatTitle(ctx context.Context, chatID string) (string, error) {
	f.calls++
	title, ok := f.titles[chatID]
	if !ok {
		return "", errors.New("chat not found")
	}
	return title, nil
}

func newSyncer(t *testing.T, now *time.Time) (*Syncer, *db.DB, *fakeTitles) {
	t.Helper()
	dir := t.TempDir()
	store, err := db.Open(filepath.Join(dir, "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg, err := state.LoadRegistry(dir, "main")
	require.NoError(t, err)
	require.NoError(t, reg.Register("100", types.RegisteredGroup{Name: "Main", Folder: "main"}))
	require.NoError(t, reg.Register("200", types.RegisteredGroup{Name: "Family", Folder: "family"}))

	titles := &fakeTitles{titles: map[string]string{"100": "Ops Room", "200": "The Family"}}
	s := New(Config{
		Store:    store,
		Registry: reg,
		Titles:   titles,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return *now },
	})
	return s, store, titles
}

func TestSync_SkipsWhenRecent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s, _, titles := newSyncer(t, &now)

	require.NoError(t, s.Sync(ctx, false))
	assert.Equal(t, 2, titles.calls)

	now = now.Add(time.Hour)
	require.NoError(t, s.Sync(ctx, false))
	assert.Equal(t, 2, titles.calls)

	require.NoError(t, s.Sync(ctx, true))
	assert.Equal(t, 4, titles.calls)

	now = now.Add(25 * time.Hour)
	require.NoError(t, s.Sync(ctx, false))
	assert.Equal(t, 6, titles.calls)
}

func TestAvailableGroups(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s, store, _ := newSyncer(t, &now)

	require.NoError(t, store.StoreChatMetadata(ctx, "100", "2024-01-01T00:00:01.000Z", ""))
	require.NoError(t, store.StoreChatMetadata(ctx, "300", "2024-01-01T00:00:02.000Z", "Stranger"))
	require.NoError(t, s.Sync(ctx, true))

	groups, err := s.AvailableGroups(ctx)
	require.NoError(t, err)
	byID := map[string]types.AvailableGroup{}
	for _, g := range groups {
		byID[g.ChatID] = g
	}
	require.Contains(t, byID, "100")
	assert.Equal(t, "Ops Room", byID["100"].Name)
	assert.True(t, byID["100"].IsRegistered)
	assert.False(t, byID["300"].IsRegistered)
	assert.NotContains(t, byID, "__group_sync__")

	last, err := s.LastSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.FormatTime(now), last)
}
