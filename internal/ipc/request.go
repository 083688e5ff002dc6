// Package ipc drains the per-group file mailboxes workers use to ask the host
// for actions, and authorises each request against the group it came from.
//
// Layout under the IPC root:
//
//	<folder>/messages/*.json   outbound chat messages
//	<folder>/tasks/*.json      task and group administration
//	errors/<folder>-<name>     quarantined files that could not be decoded
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/linkerlin/tgclaw/internal/types"
)

var (
	// ErrMalformed marks a file that is not a valid request.
	ErrMalformed = errors.New("malformed request")
	// ErrDenied marks a well-formed request the source group may not make.
	ErrDenied = errors.New("request denied")
)

// Wire tags.
const (
	KindMessage       = "message"
	KindScheduleTask  = "schedule_task"
	KindPauseTask     = "pause_task"
	KindResumeTask    = "resume_task"
	KindCancelTask    = "cancel_task"
	KindRefreshGroups = "refresh_groups"
	KindRegisterGroup = "register_group"
)

// Request is one decoded mailbox request. The set of implementations is
// closed; see Decode.
type Request interface {
	Kind() string
	isRequest()
}

type SendMessage struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

type ScheduleTask struct {
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode"`
	GroupFolder   string `json:"groupFolder"`
}

type PauseTask struct {
	TaskID string `json:"taskId"`
}

type ResumeTask struct {
	TaskID string `json:"taskId"`
}

type CancelTask struct {
	TaskID string `json:"taskId"`
}

type RefreshGroups struct{}

type RegisterGroup struct {
	ChatID          string                 `json:"chatId"`
	Name            string                 `json:"name"`
	Folder          string                 `json:"folder"`
	Trigger         string                 `json:"trigger"`
	ContainerConfig *types.ContainerConfig `json:"containerConfig,omitempty"`
}

func (SendMessage) Kind() string   { return KindMessage }
func (ScheduleTask) Kind() string  { return KindScheduleTask }
func (PauseTask) Kind() string     { return KindPauseTask }
func (ResumeTask) Kind() string    { return KindResumeTask }
func (CancelTask) Kind() string    { return KindCancelTask }
func (RefreshGroups) Kind() string { return KindRefreshGroups }
func (RegisterGroup) Kind() string { return KindRegisterGroup }

func (SendMessage) isRequest()   {}
func (ScheduleTask) isRequest()  {}
func (PauseTask) isRequest()     {}
func (ResumeTask) isRequest()    {}
func (CancelTask) isRequest()    {}
func (RefreshGroups) isRequest() {}
func (RegisterGroup) isRequest() {}

// Decode parses a mailbox file. Invalid JSON, a missing or unknown "type" and
// payload fields of the wrong JSON type all yield an error wrapping
// ErrMalformed. Missing fields are left empty for the gateway to reject.
func Decode(b []byte) (Request, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var req Request
	var err error
	switch env.Type {
	case KindMessage:
		var r SendMessage
		err = json.Unmarshal(b, &r)
		req = r
	case KindScheduleTask:
		var r ScheduleTask
		err = json.Unmarshal(b, &r)
		req = r
	case KindPauseTask:
		var r PauseTask
		err = json.Unmarshal(b, &r)
		req = r
	case KindResumeTask:
		var r ResumeTask
		err = json.Unmarshal(b, &r)
		req = r
	case KindCancelTask:
		var r CancelTask
		err = json.Unmarshal(b, &r)
		req = r
	case KindRefreshGroups:
		req = RefreshGroups{}
	case KindRegisterGroup:
		var r RegisterGroup
		err = json.Unmarshal(b, &r)
		req = r
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return req, nil
}

// Source identifies the group a request was drained from. It is derived from
// the mailbox directory only, never from the request payload.
type Source struct {
	Folder string
	IsMain bool
}
