// Package workflow implements the durable workflow engine: the store,
// resolvers, scheduler, resume builder, and router suppression query
// that together turn external chat/time events into resumed LLM
// requests.
package workflow

import (
	"encoding/json"
	"time"
)

// State is a workflow or task lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateBlocked   State = "blocked"
	StateResolved  State = "resolved"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether s is a state from which no further
// transition is allowed (other than cascade-cancellation of tasks).
func (s State) IsTerminal() bool {
	switch s {
	case StateResolved, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Task kinds. Extensible — DeriveIndexFields treats anything else as
// unindexed, and the Scheduler only fires time.wait_until/time.cron.
const (
	KindDiscordWaitForReply = "discord.wait_for_reply"
	KindTimeWaitUntil       = "time.wait_until"
	KindTimeCron            = "time.cron"
)

// CompletionMode is a V2 workflow's aggregation rule over its active tasks.
type CompletionMode string

const (
	CompletionAll CompletionMode = "all"
	CompletionAny CompletionMode = "any"
)

// Origin identifies where a V2 workflow's trigger command came from.
type Origin struct {
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Client    string `json:"client,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

// ResumeTarget says where the resume request is delivered.
type ResumeTarget struct {
	SessionID     string `json:"sessionId"`
	Client        string `json:"client"`
	MentionUserID string `json:"mentionUserId,omitempty"`
}

// ScheduleMode discriminates the three Schedule shapes.
type ScheduleMode string

const (
	ScheduleWaitUntil ScheduleMode = "wait_until"
	ScheduleWaitFor   ScheduleMode = "wait_for"
	ScheduleCron      ScheduleMode = "cron"
)

// Schedule is a tagged union over the three V3 trigger shapes. Exactly
// the fields relevant to Mode are populated; the rest are zero.
type Schedule struct {
	Mode ScheduleMode `json:"mode"`

	// wait_until
	RunAtMs int64 `json:"runAtMs,omitempty"`

	// wait_for
	DelayMs   int64 `json:"delayMs,omitempty"`
	CreatedAt int64 `json:"createdAtMs,omitempty"`

	// cron
	Expr       string `json:"expr,omitempty"`
	TZ         string `json:"tz,omitempty"`
	StartAtMs  int64  `json:"startAtMs,omitempty"`
	SkipMissed bool   `json:"skipMissed,omitempty"`
}

// Job carries a V3 workflow's scheduled-trigger prompt content.
type Job struct {
	Summary      string `json:"summary"`
	UserPrompt   string `json:"userPrompt"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	// RequireDone defaults to true; use a pointer so a definition can
	// explicitly opt out without colliding with the JSON zero value.
	RequireDone *bool  `json:"requireDone,omitempty"`
	DoneToken   string `json:"doneToken,omitempty"`
}

// RequireDoneOrDefault returns the effective RequireDone (default true).
func (j Job) RequireDoneOrDefault() bool {
	if j.RequireDone == nil {
		return true
	}
	return *j.RequireDone
}

// DoneTokenOrDefault returns the effective DoneToken (default "DONE").
func (j Job) DoneTokenOrDefault() string {
	if j.DoneToken == "" {
		return "DONE"
	}
	return j.DoneToken
}

// DefinitionVersion discriminates the V2/V3 WorkflowDefinition shapes.
type DefinitionVersion string

const (
	VersionV2 DefinitionVersion = "v2"
	VersionV3 DefinitionVersion = "v3"
)

// Definition is a tagged union: Version == VersionV2 populates Origin,
// ResumeTarget, Summary, Completion; Version == VersionV3 populates the
// optional Origin, Schedule, and Job.
type Definition struct {
	Version DefinitionVersion `json:"version"`

	// V2 fields.
	Origin       Origin         `json:"origin,omitempty"`
	ResumeTarget ResumeTarget   `json:"resumeTarget,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	Completion   CompletionMode `json:"completion,omitempty"`

	// V3 fields. Origin above is reused (optional for V3).
	Schedule Schedule `json:"schedule,omitempty"`
	Job      Job      `json:"job,omitempty"`
}

// Validate checks the definition's tagged-variant shape requirements
// from/. It does not touch the store.
func (d Definition) Validate() error {
	switch d.Version {
	case VersionV2:
		if d.ResumeTarget.SessionID == "" {
			return ErrInvalidDefinition("v2 definition requires resumeTarget.sessionId")
		}
		if d.Completion != CompletionAll && d.Completion != CompletionAny {
			return ErrInvalidDefinition("v2 definition requires completion of \"all\" or \"any\"")
		}
		return nil
	case VersionV3:
		switch d.Schedule.Mode {
		case ScheduleWaitUntil:
			if d.Schedule.RunAtMs <= 0 {
				return ErrInvalidDefinition("wait_until schedule requires runAtMs")
			}
		case ScheduleWaitFor:
			if d.Schedule.DelayMs <= 0 {
				return ErrInvalidDefinition("wait_for schedule requires delayMs")
			}
		case ScheduleCron:
			if d.Schedule.Expr == "" {
				return ErrInvalidDefinition("cron schedule requires expr")
			}
		default:
			return ErrInvalidDefinition("v3 definition requires schedule.mode of wait_until, wait_for, or cron")
		}
		if d.Job.UserPrompt == "" {
			return ErrInvalidDefinition("v3 definition requires job.userPrompt")
		}
		return nil
	default:
		return ErrInvalidDefinition("definition.version must be \"v2\" or \"v3\"")
	}
}

// Workflow is the unit of suspension/resume.
type Workflow struct {
	WorkflowID        string
	State             State
	Definition        Definition
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ResolvedAt        *time.Time
	ResumePublishedAt *time.Time
	ResumeSeq         int64
}

// IndexFields are the kind-specific columns derived from a task's Input
// at insert time. Only the fields relevant to the task's kind
// are populated; all others remain at their zero value.
type IndexFields struct {
	DiscordChannelID  string
	DiscordMessageID  string
	DiscordFromUserID string
	TimeoutAt         *time.Time
}

// Task is one atomic suspension point within a workflow.
type Task struct {
	WorkflowID  string
	TaskID      string
	Kind        string
	Description string
	State       State
	Input       json.RawMessage
	Result      json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ResolvedAt  *time.Time
	ResolvedBy  string
	IndexFields
}

// AdapterEvent is the inbound chat-platform message the Reply Matcher,
// Reply Resolver, and Router Suppression all key off of. It mirrors
// bus.EvtAdapterMessageCreated without importing the bus package here,
// so workflow stays a library the bus-wiring layer depends on, not the
// reverse.
type AdapterEvent struct {
	Platform  string
	ChannelID string
	MessageID string
	UserID    string
	UserName  string
	Text      string
	TS        int64
	Raw       json.RawMessage
}

// discordRaw is the shape AdapterEvent.Raw is expected to unmarshal
// into for discord-sourced events; see Reply Matcher.
type discordRaw struct {
	Discord struct {
		ReplyToMessageID string `json:"replyToMessageId"`
	} `json:"discord"`
}
