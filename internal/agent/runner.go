// Package agent runs prompts through an isolated worker and carries the
// shared invocation path used by the router and the scheduler.
package agent

import (
	"context"

	"github.com/linkerlin/tgclaw/internal/types"
)

// Status is the worker-reported outcome of a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Input is what a worker receives for one invocation.
type Input struct {
	Prompt      string            `json:"prompt"`
	SessionID   string            `json:"sessionId,omitempty"`
	GroupFolder string            `json:"groupFolder"`
	ChatID      string            `json:"chatId"`
	IsMain      bool              `json:"isMain"`
	ContextMode types.ContextMode `json:"contextMode"`
	// Container carries the group's per-worker overrides; never serialised.
	Container *types.ContainerConfig `json:"-"`
}

// Output is what a worker reports back.
type Output struct {
	Status       Status  `json:"status"`
	Result       *string `json:"result"`
	NewSessionID string  `json:"newSessionId,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// Text returns the result or "" when there is none.
func (o Output) Text() string {
	if o.Result == nil {
		return ""
	}
	return *o.Result
}

// Runner executes one prompt in a worker. A returned error means the worker
// could not be invoked at all; a failure inside the worker is reported as an
// Output with StatusError.
type Runner interface {
	Run(ctx context.Context, in Input) (Output, error)
}

func failed(msg string) Output {
	return Output{Status: StatusError, Error: msg}
}
