package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/wfengine/internal/workflow"
)

// WorkflowPublisher adapts *Bus to workflow.Publisher, translating
// between the workflow package's types and this package's wire
// payloads. Lifecycle/resolution events are fanned out at "now" offset
// (Publish); cmd.workflow.request_message is persisted to the durable
// outbox first (PublishDurable) since the downstream prompt pipeline
// consumes it in work-queue mode and must survive a restart mid-flight.
type WorkflowPublisher struct {
	bus *Bus
}

// NewWorkflowPublisher wraps bus for use as a workflow.Publisher.
func NewWorkflowPublisher(bus *Bus) *WorkflowPublisher {
	return &WorkflowPublisher{bus: bus}
}

func (p *WorkflowPublisher) PublishTaskLifecycleChanged(workflowID, taskID string, state workflow.State, detail string, ts time.Time) {
	p.bus.Publish(TopicEvtWorkflowTaskLifecycleChanged, EvtWorkflowTaskLifecycleChanged{
		WorkflowID: workflowID,
		TaskID:     taskID,
		State:      string(state),
		Detail:     detail,
		TS:         ts.UnixMilli(),
	})
}

func (p *WorkflowPublisher) PublishTaskResolved(workflowID, taskID string, result json.RawMessage) {
	p.bus.Publish(TopicEvtWorkflowTaskResolved, EvtWorkflowTaskResolved{
		WorkflowID: workflowID,
		TaskID:     taskID,
		Result:     result,
	})
}

func (p *WorkflowPublisher) PublishWorkflowLifecycleChanged(workflowID string, state workflow.State, detail string, ts time.Time) {
	p.bus.Publish(TopicEvtWorkflowLifecycleChanged, EvtWorkflowLifecycleChanged{
		WorkflowID: workflowID,
		State:      string(state),
		Detail:     detail,
		TS:         ts.UnixMilli(),
	})
}

func (p *WorkflowPublisher) PublishWorkflowResolved(workflowID string, result json.RawMessage) {
	p.bus.Publish(TopicEvtWorkflowResolved, EvtWorkflowResolved{
		WorkflowID: workflowID,
		Result:     result,
	})
}

// PublishRequestMessage persists and fans out cmd.workflow.request_message.
// ctx is accepted to satisfy workflow.Publisher (a future remote queue
// backend would need it for cancellation) but this in-process/SQLite
// implementation never blocks on it.
func (p *WorkflowPublisher) PublishRequestMessage(_ context.Context, req workflow.RequestMessage) error {
	messages := make([]ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return p.bus.PublishDurable(TopicCmdRequestMessage, CmdRequestMessage{
		Queue:         req.Queue,
		Messages:      messages,
		Raw:           req.Raw,
		RequestID:     req.RequestID,
		SessionID:     req.SessionID,
		RequestClient: req.RequestClient,
	})
}
