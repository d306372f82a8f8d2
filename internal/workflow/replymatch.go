package workflow

import (
	"encoding/json"
)

// ReplyResult is the task result produced when the Reply Matcher finds
// a strict reply match.
type ReplyResult struct {
	ChannelID     string `json:"channelId"`
	ReplyMessageID string `json:"replyMessageId"`
	ReplyUserID   string `json:"replyUserId"`
	ReplyUserName string `json:"replyUserName,omitempty"`
	Text          string `json:"text"`
	TS            int64  `json:"ts"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// MatchReply is the pure Reply Matcher predicate. It returns a
// non-nil resolvedBy and result only on a strict match: discord
// platform, same channel, an explicit reply anchor equal to the task's
// anchor message, and (if the task's anchor names a user) the same
// user. Text content is never inspected.
func MatchReply(event AdapterEvent, anchorChannelID, anchorMessageID, anchorFromUserID string) (resolvedBy string, result *ReplyResult) {
	if event.Platform != "discord" {
		return "", nil
	}
	if event.ChannelID != anchorChannelID {
		return "", nil
	}

	var raw discordRaw
	if len(event.Raw) > 0 {
		_ = json.Unmarshal(event.Raw, &raw)
	}
	if raw.Discord.ReplyToMessageID == "" || raw.Discord.ReplyToMessageID != anchorMessageID {
		return "", nil
	}
	if anchorFromUserID != "" && anchorFromUserID != event.UserID {
		return "", nil
	}

	return event.MessageID, &ReplyResult{
		ChannelID:      event.ChannelID,
		ReplyMessageID: event.MessageID,
		ReplyUserID:    event.UserID,
		ReplyUserName:  event.UserName,
		Text:           event.Text,
		TS:             event.TS,
		Raw:            event.Raw,
	}
}
