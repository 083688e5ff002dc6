// Package groupsync keeps chat names current and lists the chats workers may
// see in their groups snapshot.
package groupsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/linkerlin/tgclaw/internal/db"
	"github.com/linkerlin/tgclaw/internal/state"
	"github.com/linkerlin/tgclaw/internal/types"
)

// TitleFetcher looks up a chat's current title.
type TitleFetcher interface {
	ChatTitle(ctx context.Context, chatID string) (string, error)
}

type Config struct {
	Store    *db.DB
	Registry *state.Registry
	Titles   TitleFetcher
	Interval time.Duration // minimum time between syncs; defaults to 24h
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Syncer struct {
	cfg Config
	log zerolog.Logger

	mu sync.Mutex // one sync at a time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Syncer{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "groupsync").Logger(),
	}
}

// Sync refreshes the names of registered chats. Unless force is set it does
// nothing when the last sync is younger than the interval.
func (s *Syncer) Sync(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	if !force {
		last, err := s.cfg.Store.GetLastGroupSync(ctx)
		if err != nil {
			return err
		}
		if last != "" {
			if t, err := types.ParseTime(last); err == nil && now.Sub(t) < s.cfg.Interval {
				s.log.Debug().Str("last_sync", last).Msg("skipping group sync, synced recently")
				return nil
			}
		}
	}

	updated := 0
	for _, chatID := range s.cfg.Registry.ChatIDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		title, err := s.cfg.Titles.ChatTitle(ctx, chatID)
		if err != nil {
			s.log.Warn().Err(err).Str("chat", chatID).Msg("fetch chat title")
			continue
		}
		if title == "" {
			continue
		}
		if err := s.cfg.Store.UpdateChatName(ctx, chatID, title, types.FormatTime(now)); err != nil {
			return fmt.Errorf("update chat %s: %w", chatID, err)
		}
		updated++
	}

	if err := s.cfg.Store.SetLastGroupSync(ctx, types.FormatTime(now)); err != nil {
		return err
	}
	s.log.Info().Int("count", updated).Msg("group metadata synced")
	return nil
}

// AvailableGroups lists known chats, most recently active first, flagged with
// whether they are registered.
func (s *Syncer) AvailableGroups(ctx context.Context) ([]types.AvailableGroup, error) {
	chats, err := s.cfg.Store.GetAllChats(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.AvailableGroup, 0, len(chats))
	for _, c := range chats {
		_, registered := s.cfg.Registry.Get(c.ChatID)
		out = append(out, types.AvailableGroup{
			ChatID:       c.ChatID,
			Name:         c.Name,
			LastActivity: c.LastMessageTime,
			IsRegistered: registered,
		})
	}
	return out, nil
}

func (s *Syncer) LastSync(ctx context.Context) (string, error) {
	return s.cfg.Store.GetLastGroupSync(ctx)
}

// Start syncs now (if due) and then once per interval.
func (s *Syncer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			if err := s.Sync(ctx, false); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("group sync")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
