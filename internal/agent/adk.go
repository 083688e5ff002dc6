package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	adkagent "google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/genai"
)

const (
	adkAppName         = "tgclaw"
	adkUserID          = "tgclaw"
	defaultInstruction = "You are a helpful assistant."
)

// ADKConfig configures the in-process Gemini worker.
type ADKConfig struct {
	Model     string
	APIKey    string
	GroupsDir string
	Logger    zerolog.Logger
}

// ADKRunner runs prompts through a Google ADK LLM agent backed by Gemini.
// Sessions live in an in-process session service, so a handle returned by
// one run resumes the conversation on the next run with the same handle.
type ADKRunner struct {
	cfg      ADKConfig
	sessions session.Service
	log      zerolog.Logger

	mu  sync.Mutex
	llm model.LLM
}

func NewADKRunner(cfg ADKConfig) (*ADKRunner, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("agent: GOOGLE_API_KEY (agent.api_key) is not set")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	return &ADKRunner{
		cfg:      cfg,
		sessions: session.InMemoryService(),
		log:      cfg.Logger.With().Str("component", "adk").Logger(),
	}, nil
}

func (r *ADKRunner) model(ctx context.Context) (model.LLM, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.llm != nil {
		return r.llm, nil
	}
	m, err := gemini.NewModel(ctx, r.cfg.Model, &genai.ClientConfig{APIKey: r.cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("create gemini model: %w", err)
	}
	r.llm = m
	return m, nil
}

// Run implements Runner.
func (r *ADKRunner) Run(ctx context.Context, in Input) (Output, error) {
	m, err := r.model(ctx)
	if err != nil {
		return Output{}, err
	}

	a, err := llmagent.New(llmagent.Config{
		Name:        agentName(in.GroupFolder),
		Model:       m,
		Instruction: r.instruction(in),
		Description: fmt.Sprintf("Assistant for group %s", in.GroupFolder),
	})
	if err != nil {
		return Output{}, fmt.Errorf("create llm agent: %w", err)
	}

	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	_, err = r.sessions.Create(ctx, &session.CreateRequest{
		AppName:   adkAppName,
		UserID:    adkUserID,
		SessionID: sessionID,
	})
	// A resumed handle already exists in the service.
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return Output{}, fmt.Errorf("create session: %w", err)
	}

	run, err := runner.New(runner.Config{
		AppName:        adkAppName,
		Agent:          a,
		SessionService: r.sessions,
	})
	if err != nil {
		return Output{}, fmt.Errorf("create runner: %w", err)
	}

	msg := genai.NewContentFromText(in.Prompt, genai.RoleUser)

	var sb strings.Builder
	for event, err := range run.Run(ctx, adkUserID, sessionID, msg, adkagent.RunConfig{}) {
		if err != nil {
			r.log.Warn().Err(err).Str("group", in.GroupFolder).Msg("agent run failed")
			out := failed(err.Error())
			out.NewSessionID = sessionID
			return out, nil
		}
		if event.Content == nil {
			continue
		}
		for _, part := range event.Content.Parts {
			if part.Text != "" {
				sb.WriteString(part.Text)
			}
		}
	}

	out := Output{Status: StatusSuccess, NewSessionID: sessionID}
	if text := strings.TrimSpace(sb.String()); text != "" {
		out.Result = &text
	}
	return out, nil
}

func (r *ADKRunner) instruction(in Input) string {
	text := defaultInstruction
	if data, err := os.ReadFile(filepath.Join(r.cfg.GroupsDir, in.GroupFolder, "CLAUDE.md")); err == nil {
		text = string(data)
	}
	if in.IsMain {
		text += "\n\nYou are serving the main (administrator) group."
	}
	return text
}

// agentName maps a folder to an identifier ADK accepts.
func agentName(folder string) string {
	return "group_" + strings.ReplaceAll(folder, "-", "_")
}
