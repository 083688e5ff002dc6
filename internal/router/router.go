// Package router delivers inbound chat messages to workers and sends their
// replies, tracking progress with a persisted low-water-mark.
package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/linkerlin/tgclaw/internal/agent"
	"github.com/linkerlin/tgclaw/internal/db"
	"github.com/linkerlin/tgclaw/internal/metrics"
	"github.com/linkerlin/tgclaw/internal/state"
	"github.com/linkerlin/tgclaw/internal/types"
)

// Invoker runs a prompt for a registered group.
type Invoker interface {
	Invoke(ctx context.Context, req agent.Request) (agent.Output, error)
}

// Channel sends replies and shows a typing indicator.
type Channel interface {
	Send(ctx context.Context, chatID, text string)
	Typing(ctx context.Context, chatID string) (stop func())
}

type Config struct {
	Store         *db.DB
	Registry      *state.Registry
	State         *state.RouterState
	Invoker       Invoker
	Channel       Channel
	Metrics       *metrics.Metrics
	AssistantName string
	// Trigger is used for groups registered without their own trigger.
	Trigger  *regexp.Regexp
	Interval time.Duration // defaults to two seconds
	Logger   zerolog.Logger
}

// Router polls for new messages in registered chats.
type Router struct {
	cfg Config
	log zerolog.Logger

	triggersMu sync.Mutex
	triggers   map[string]*regexp.Regexp

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Router {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Trigger == nil {
		cfg.Trigger = triggerPattern("@" + cfg.AssistantName)
	}
	return &Router{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "router").Logger(),
		triggers: make(map[string]*regexp.Regexp),
	}
}

func (r *Router) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.log.Info().Dur("interval", r.cfg.Interval).Msg("router started")
}

func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info().Msg("router stopped")
}

func (r *Router) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("router tick")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick handles every message newer than the low-water-mark, in timestamp
// order. The mark advances after each handled message. The first failure
// stops the batch so the failed message and everything after it are
// delivered again on the next tick.
func (r *Router) Tick(ctx context.Context) error {
	chatIDs := r.cfg.Registry.ChatIDs()
	msgs, err := r.cfg.Store.GetNewMessages(ctx, chatIDs, r.cfg.State.Mark(), r.cfg.AssistantName)
	if err != nil {
		return fmt.Errorf("fetch new messages: %w", err)
	}
	if len(msgs) > 0 {
		r.log.Debug().Int("count", len(msgs)).Msg("new messages")
	}

	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		routed, err := r.processMessage(ctx, m)
		if err != nil {
			r.cfg.Metrics.IncRouter(metrics.OutcomeFailed)
			return fmt.Errorf("message %s in %s: %w", m.ID, m.ChatID, err)
		}
		if routed {
			r.cfg.Metrics.IncRouter(metrics.OutcomeRouted)
		} else {
			r.cfg.Metrics.IncRouter(metrics.OutcomeIgnored)
		}
		if err := r.cfg.State.Advance(types.CursorOf(m)); err != nil {
			return err
		}
	}
	return nil
}

// processMessage reports whether the message was routed to a worker.
func (r *Router) processMessage(ctx context.Context, m types.NewMessage) (bool, error) {
	group, ok := r.cfg.Registry.Get(m.ChatID)
	if !ok {
		return false, nil
	}
	isMain := r.cfg.Registry.IsMain(group.Folder)
	if !isMain && !r.triggerFor(group).MatchString(strings.TrimSpace(m.Content)) {
		return false, nil
	}

	// Everything the group said since the worker last replied.
	since := r.cfg.State.AgentSince(m.ChatID)
	pending, err := r.cfg.Store.GetMessagesSince(ctx, m.ChatID, since, r.cfg.AssistantName)
	if err != nil {
		return false, fmt.Errorf("load pending messages: %w", err)
	}
	prompt := FormatMessages(pending)
	if prompt == "" {
		return false, nil
	}

	log := r.log.With().Str("group", group.Folder).Str("chat", m.ChatID).Logger()
	log.Info().Int("messages", len(pending)).Msg("routing to worker")

	stop := r.cfg.Channel.Typing(ctx, m.ChatID)
	out, err := r.cfg.Invoker.Invoke(ctx, agent.Request{
		ChatID: m.ChatID,
		Group:  group,
		Prompt: prompt,
		Mode:   types.ContextGroup,
	})
	stop()
	if err != nil {
		return false, err
	}

	if out.Status == agent.StatusError {
		log.Error().Str("error", out.Error).Msg("worker failed; no reply sent")
		return true, nil
	}
	reply := strings.TrimSpace(out.Text())
	if reply == "" {
		return true, nil
	}
	if err := r.cfg.State.SetAgentSince(m.ChatID, types.CursorOf(m)); err != nil {
		return true, err
	}
	r.cfg.Channel.Send(ctx, m.ChatID, FormatOutbound(r.cfg.AssistantName, reply))
	return true, nil
}

func (r *Router) triggerFor(g types.RegisteredGroup) *regexp.Regexp {
	if g.Trigger == "" {
		return r.cfg.Trigger
	}
	r.triggersMu.Lock()
	defer r.triggersMu.Unlock()
	re, ok := r.triggers[g.Trigger]
	if !ok {
		re = triggerPattern(g.Trigger)
		r.triggers[g.Trigger] = re
	}
	return re
}

// triggerPattern matches text starting with trigger, case-insensitively, as a
// whole word.
func triggerPattern(trigger string) *regexp.Regexp {
	expr := `(?i)^` + regexp.QuoteMeta(trigger)
	if last, _ := utf8.DecodeLastRuneInString(trigger); unicode.IsLetter(last) || unicode.IsDigit(last) || last == '_' {
		expr += `\b`
	}
	return regexp.MustCompile(expr)
}
