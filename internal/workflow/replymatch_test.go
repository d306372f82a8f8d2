package workflow

import "testing"

func discordEvent(channelID, messageID, userID, replyTo string) AdapterEvent {
	raw := []byte(`{}`)
	if replyTo != "" {
		raw = []byte(`{"discord":{"replyToMessageId":"` + replyTo + `"}}`)
	}
	return AdapterEvent{
		Platform:  "discord",
		ChannelID: channelID,
		MessageID: messageID,
		UserID:    userID,
		Text:      "hi",
		TS:        1000,
		Raw:       raw,
	}
}

func TestMatchReply_StrictMatch(t *testing.T) {
	event := discordEvent("chan-1", "msg-2", "user-1", "msg-1")
	resolvedBy, result := MatchReply(event, "chan-1", "msg-1", "")
	if resolvedBy != "msg-2" {
		t.Fatalf("resolvedBy = %q, want msg-2", resolvedBy)
	}
	if result == nil || result.Text != "hi" {
		t.Fatalf("result = %+v, want text hi", result)
	}
}

func TestMatchReply_WrongChannel(t *testing.T) {
	event := discordEvent("chan-2", "msg-2", "user-1", "msg-1")
	resolvedBy, _ := MatchReply(event, "chan-1", "msg-1", "")
	if resolvedBy != "" {
		t.Fatalf("expected no match across channels, got %q", resolvedBy)
	}
}

func TestMatchReply_NotAReply(t *testing.T) {
	event := discordEvent("chan-1", "msg-2", "user-1", "")
	resolvedBy, _ := MatchReply(event, "chan-1", "msg-1", "")
	if resolvedBy != "" {
		t.Fatalf("expected no match for a non-reply message, got %q", resolvedBy)
	}
}

func TestMatchReply_WrongAnchor(t *testing.T) {
	event := discordEvent("chan-1", "msg-3", "user-1", "msg-9")
	resolvedBy, _ := MatchReply(event, "chan-1", "msg-1", "")
	if resolvedBy != "" {
		t.Fatalf("expected no match for an unrelated reply anchor, got %q", resolvedBy)
	}
}

func TestMatchReply_FromUserMismatch(t *testing.T) {
	event := discordEvent("chan-1", "msg-2", "user-2", "msg-1")
	resolvedBy, _ := MatchReply(event, "chan-1", "msg-1", "user-1")
	if resolvedBy != "" {
		t.Fatalf("expected no match when fromUserId is pinned and mismatches, got %q", resolvedBy)
	}
}

func TestMatchReply_FromUserUnset_AnyReplierMatches(t *testing.T) {
	event := discordEvent("chan-1", "msg-2", "user-2", "msg-1")
	resolvedBy, _ := MatchReply(event, "chan-1", "msg-1", "")
	if resolvedBy == "" {
		t.Fatal("expected a match when the task does not pin a fromUserId")
	}
}

func TestMatchReply_NonDiscordPlatform(t *testing.T) {
	event := discordEvent("chan-1", "msg-2", "user-1", "msg-1")
	event.Platform = "slack"
	resolvedBy, _ := MatchReply(event, "chan-1", "msg-1", "")
	if resolvedBy != "" {
		t.Fatalf("expected no match for a non-discord platform, got %q", resolvedBy)
	}
}

func TestMatchReply_TextNeverInspected(t *testing.T) {
	event := discordEvent("chan-1", "msg-2", "user-1", "msg-1")
	event.Text = ""
	resolvedBy, result := MatchReply(event, "chan-1", "msg-1", "")
	if resolvedBy == "" {
		t.Fatal("expected a match even with empty text; matching never inspects content")
	}
	if result.Text != "" {
		t.Fatalf("result.Text = %q, want empty (carried verbatim)", result.Text)
	}
}
