package bus

import (
	"testing"
)

func TestWorkflowTopics_Constants(t *testing.T) {
	if TopicCmdWorkflowCreate == "" {
		t.Fatal("TopicCmdWorkflowCreate is empty")
	}
	if TopicCmdWorkflowTaskCreate == "" {
		t.Fatal("TopicCmdWorkflowTaskCreate is empty")
	}
	if TopicCmdWorkflowCancel == "" {
		t.Fatal("TopicCmdWorkflowCancel is empty")
	}
	if TopicCmdRequestMessage == "" {
		t.Fatal("TopicCmdRequestMessage is empty")
	}
	if TopicEvtAdapterMessageCreated == "" {
		t.Fatal("TopicEvtAdapterMessageCreated is empty")
	}
	if TopicEvtWorkflowLifecycleChanged == "" {
		t.Fatal("TopicEvtWorkflowLifecycleChanged is empty")
	}
	if TopicEvtWorkflowTaskLifecycleChanged == "" {
		t.Fatal("TopicEvtWorkflowTaskLifecycleChanged is empty")
	}
	if TopicEvtWorkflowTaskResolved == "" {
		t.Fatal("TopicEvtWorkflowTaskResolved is empty")
	}
	if TopicEvtWorkflowResolved == "" {
		t.Fatal("TopicEvtWorkflowResolved is empty")
	}

	topics := map[string]bool{
		TopicCmdWorkflowCreate:               true,
		TopicCmdWorkflowTaskCreate:           true,
		TopicCmdWorkflowCancel:               true,
		TopicCmdRequestMessage:                true,
		TopicEvtAdapterMessageCreated:         true,
		TopicEvtWorkflowLifecycleChanged:      true,
		TopicEvtWorkflowTaskLifecycleChanged:  true,
		TopicEvtWorkflowTaskResolved:          true,
		TopicEvtWorkflowResolved:              true,
	}
	if len(topics) != 9 {
		t.Fatalf("expected 9 unique topics, got %d", len(topics))
	}

	// cmd.* topics run in work-queue mode, evt.* in fanout. Both families
	// must stay distinguishable by prefix so subscribers can pick a mode.
	for topic := range topics {
		switch {
		case len(topic) >= 4 && topic[:4] == "cmd.":
		case len(topic) >= 4 && topic[:4] == "evt.":
		default:
			t.Fatalf("topic %q does not start with cmd. or evt.", topic)
		}
	}
}

func TestCmdWorkflowCreate_Fields(t *testing.T) {
	cmd := CmdWorkflowCreate{
		WorkflowID: "wf-123",
		Definition: []byte(`{"kind":"v2"}`),
	}
	if cmd.WorkflowID == "" {
		t.Fatal("WorkflowID must not be empty")
	}
	if len(cmd.Definition) == 0 {
		t.Fatal("Definition must not be empty")
	}
}

func TestEvtAdapterMessageCreated_DiscordReplyAnchor(t *testing.T) {
	evt := EvtAdapterMessageCreated{
		Platform:  "discord",
		ChannelID: "dmY",
		MessageID: "reply2",
		UserID:    "userB",
		Text:      "ok",
		TS:        1700000000,
		Raw:       []byte(`{"discord":{"replyToMessageId":"dmMsg1"}}`),
	}
	if evt.Platform != "discord" {
		t.Fatalf("Platform mismatch: got %s, want discord", evt.Platform)
	}
	if evt.ChannelID == "" || evt.MessageID == "" || evt.UserID == "" {
		t.Fatal("ChannelID, MessageID, and UserID must not be empty")
	}
	if len(evt.Raw) == 0 {
		t.Fatal("Raw must carry the discord-specific reply anchor")
	}
}

func TestCmdRequestMessage_RequestIDNotDiscordPrefixed(t *testing.T) {
	req := CmdRequestMessage{
		Queue:         "prompt",
		RequestID:     "wf:wf-123:1",
		SessionID:     "chanX",
		RequestClient: "discord",
		Messages: []ChatMessage{
			{Role: "system", Content: "..."},
			{Role: "user", Content: "Workflow trigger: ..."},
		},
	}
	if req.RequestID == "" {
		t.Fatal("RequestID must not be empty")
	}
	if len(req.RequestID) >= 8 && req.RequestID[:8] == "discord:" {
		t.Fatal("engine-published RequestID must not start with discord:")
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected a 2-message [system, user] pair, got %d", len(req.Messages))
	}
}

func TestEvtWorkflowResolved_Fields(t *testing.T) {
	evt := EvtWorkflowResolved{
		WorkflowID: "wf-123",
		Result:     []byte(`{"ok":true}`),
	}
	if evt.WorkflowID == "" {
		t.Fatal("WorkflowID must not be empty")
	}
	if len(evt.Result) == 0 {
		t.Fatal("Result must not be empty")
	}
}
