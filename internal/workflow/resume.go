package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BuildResumeMessages is the Resume Builder (V2 path): formats a
// resolved V2 workflow's context into a deterministic [system, user]
// message pair for the LLM. triggerEvent is the adapter event that
// satisfied the task which triggered this resume (used for the user
// message's header line); triggerText is its verbatim text.
func BuildResumeMessages(wf Workflow, tasks []Task, triggerEvent AdapterEvent, triggerText string) []ChatMessagePair {
	var sys strings.Builder
	sys.WriteString("You are resuming work from a saved workflow.\n")
	fmt.Fprintf(&sys, "Workflow: %s\n", wf.WorkflowID)
	sys.WriteString("Summary:\n")
	sys.WriteString(wf.Definition.Summary)
	sys.WriteString("\n")
	sys.WriteString("Tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&sys, "- [%s] %s (%s)\n", t.State, t.TaskID, t.Kind)
		if t.Description != "" {
			sys.WriteString(t.Description)
			sys.WriteString("\n")
		}
		if len(t.Result) > 0 {
			sys.WriteString("result: ")
			sys.WriteString(compactOrUnserializable(t.Result))
			sys.WriteString("\n")
		}
	}
	if wf.Definition.ResumeTarget.MentionUserID != "" {
		client := wf.Definition.ResumeTarget.Client
		if client == "discord" {
			fmt.Fprintf(&sys, "When you respond, post to the resume target session and mention <@%s> (discord).\n", wf.Definition.ResumeTarget.MentionUserID)
		} else {
			fmt.Fprintf(&sys, "When you respond, post to the resume target session and mention @%s (generic).\n", wf.Definition.ResumeTarget.MentionUserID)
		}
	} else {
		sys.WriteString("When you respond, post to the resume target session.\n")
	}
	sys.WriteString("Do not assume prior chat history is available.")

	var user strings.Builder
	user.WriteString("Workflow trigger:\n")
	fmt.Fprintf(&user, "[%s channel_id=%s message_id=%s user_id=%s]",
		triggerEvent.Platform, triggerEvent.ChannelID, triggerEvent.MessageID, triggerEvent.UserID)
	if triggerEvent.UserName != "" {
		fmt.Fprintf(&user, " user_name=%s", triggerEvent.UserName)
	}
	user.WriteString("\n\n")
	user.WriteString(triggerText)

	return []ChatMessagePair{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: user.String()},
	}
}

// BuildScheduledJobMessages is the Scheduled-Job Builder (V3 path):
// formats a firing scheduled trigger task into a deterministic
// [system, user] pair.
func BuildScheduledJobMessages(wf Workflow, task Task, resumeSeq int64, firedAt time.Time) []ChatMessagePair {
	job := wf.Definition.Job

	var sys strings.Builder
	fmt.Fprintf(&sys, "Workflow: %s\n", wf.WorkflowID)
	fmt.Fprintf(&sys, "Task: %s\n", task.TaskID)
	fmt.Fprintf(&sys, "Run: %d\n", resumeSeq)
	fmt.Fprintf(&sys, "FiredAt: %s\n", firedAt.UTC().Format(time.RFC3339))
	sys.WriteString("You must produce user-visible output only by invoking the surface-send CLI tool; plain assistant text is discarded.\n")
	if job.SystemPrompt != "" {
		sys.WriteString(job.SystemPrompt)
		sys.WriteString("\n")
	}
	if job.RequireDoneOrDefault() {
		fmt.Fprintf(&sys, "When you are finished, respond with exactly '%s' and nothing else.", job.DoneTokenOrDefault())
	}

	user := fmt.Sprintf("Job:\n%s\n\n%s", job.Summary, job.UserPrompt)

	return []ChatMessagePair{
		{Role: "system", Content: strings.TrimRight(sys.String(), "\n")},
		{Role: "user", Content: user},
	}
}

// ChatMessagePair mirrors bus.ChatMessage so this package's builders
// stay independent of the bus wire type.
type ChatMessagePair struct {
	Role    string
	Content string
}

func compactOrUnserializable(raw json.RawMessage) string {
	var compacted strings.Builder
	if err := json.Compact(&compacted, raw); err != nil {
		return "<unserializable>"
	}
	return compacted.String()
}

// RequestID builds the engine's resume/job request id. Per invariant 4
// this must never start with "discord:".
func RequestID(workflowID string, resumeSeq int64) string {
	return fmt.Sprintf("wf:%s:%d", workflowID, resumeSeq)
}
