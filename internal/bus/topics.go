package bus

// Workflow command topics. These are published in work-queue mode:
// a new subscriber's "begin offset" replays everything retained in the
// durable outbox rather than only events published after it subscribes.
const (
	TopicCmdWorkflowCreate     = "cmd.workflow.create"
	TopicCmdWorkflowTaskCreate = "cmd.workflow.task_create"
	TopicCmdWorkflowCancel     = "cmd.workflow.cancel"
	TopicCmdRequestMessage     = "cmd.workflow.request_message"
)

// Adapter event topic. Published in fanout mode at "now" offset: a
// subscriber only sees events published after it subscribes.
const (
	TopicEvtAdapterMessageCreated = "evt.adapter.message_created"
)

// Workflow lifecycle event topics, also fanout/"now" offset.
const (
	TopicEvtWorkflowLifecycleChanged     = "evt.workflow.lifecycle_changed"
	TopicEvtWorkflowTaskLifecycleChanged = "evt.workflow.task_lifecycle_changed"
	TopicEvtWorkflowTaskResolved         = "evt.workflow.task_resolved"
	TopicEvtWorkflowResolved             = "evt.workflow.resolved"
)

// CmdWorkflowCreate starts a new workflow from a V2 (reactive) or V3
// (scheduled) definition. Definition carries raw JSON so the bus
// package stays independent of the workflow package's concrete types.
type CmdWorkflowCreate struct {
	WorkflowID string
	Definition []byte
}

// CmdWorkflowTaskCreate adds a task to an existing workflow.
type CmdWorkflowTaskCreate struct {
	WorkflowID  string
	TaskID      string
	Kind        string
	Description string
	Input       []byte
}

// CmdWorkflowCancel cancels a workflow and all of its open tasks.
type CmdWorkflowCancel struct {
	WorkflowID string
	Reason     string
}

// EvtAdapterMessageCreated is published by a chat adapter (the Discord
// adapter, in this repo) whenever a new inbound message arrives. For
// Discord replies, Raw carries discord.replyToMessageId as the reply
// anchor the Reply Matcher keys off of.
type EvtAdapterMessageCreated struct {
	Platform    string
	ChannelID   string
	ChannelName string
	MessageID   string
	UserID      string
	UserName    string
	Text        string
	TS          int64
	Raw         []byte
}

// EvtWorkflowLifecycleChanged is published whenever a workflow's state
// transitions (queued, running, blocked, resolved, failed, cancelled).
type EvtWorkflowLifecycleChanged struct {
	WorkflowID string
	State      string
	Detail     string
	TS         int64
}

// EvtWorkflowTaskLifecycleChanged is published whenever a task's state
// transitions.
type EvtWorkflowTaskLifecycleChanged struct {
	WorkflowID string
	TaskID     string
	State      string
	Detail     string
	TS         int64
}

// EvtWorkflowTaskResolved is published exactly once per task, when it
// reaches a terminal resolved state.
type EvtWorkflowTaskResolved struct {
	WorkflowID string
	TaskID     string
	Result     []byte
}

// EvtWorkflowResolved is published exactly once per workflow, when
// aggregation over its tasks is satisfied.
type EvtWorkflowResolved struct {
	WorkflowID string
	Result     []byte
}

// CmdRequestMessage asks the (out-of-scope) LLM request pipeline to run
// a prompt. RequestID is "wf:<workflowId>:<resumeSeq>" for engine-
// published requests, and MUST NOT start with "discord:" — that prefix
// is reserved for requests originated directly by a chat adapter.
type CmdRequestMessage struct {
	Queue         string
	Messages      []ChatMessage
	Raw           map[string]interface{}
	RequestID     string
	SessionID     string
	RequestClient string
}

// ChatMessage is a single system/user/assistant turn in a prompt.
type ChatMessage struct {
	Role    string
	Content string
}
