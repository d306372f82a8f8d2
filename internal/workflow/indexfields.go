package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// discordWaitForReplyInput is the kind-specific shape of Input for
// KindDiscordWaitForReply tasks.
type discordWaitForReplyInput struct {
	ChannelID  string `json:"channelId"`
	MessageID  string `json:"messageId"`
	FromUserID string `json:"fromUserId,omitempty"`
	TimeoutMs  int64  `json:"timeoutMs,omitempty"`
}

// timeWaitUntilInput is the kind-specific shape of Input for
// KindTimeWaitUntil tasks.
type timeWaitUntilInput struct {
	RunAtMs int64 `json:"runAtMs"`
}

// timeCronInput is the kind-specific shape of Input for KindTimeCron tasks.
type timeCronInput struct {
	Expr       string `json:"expr"`
	TZ         string `json:"tz,omitempty"`
	StartAtMs  int64  `json:"startAtMs,omitempty"`
	SkipMissed bool   `json:"skipMissed,omitempty"`
}

// DeriveIndexFields computes the query columns duplicated from a task's
// Input at insert time. Unknown kinds yield an empty IndexFields
// — the task's Input is still stored, just not indexed. now is the
// injected clock (see the Time source design note).
func DeriveIndexFields(kind string, input json.RawMessage, now time.Time) (IndexFields, error) {
	switch kind {
	case KindDiscordWaitForReply:
		var in discordWaitForReplyInput
		if err := json.Unmarshal(input, &in); err != nil {
			return IndexFields{}, fmt.Errorf("%w: discord.wait_for_reply input: %v", ErrValidation, err)
		}
		if in.ChannelID == "" || in.MessageID == "" {
			return IndexFields{}, fmt.Errorf("%w: discord.wait_for_reply requires channelId and messageId", ErrValidation)
		}
		fields := IndexFields{
			DiscordChannelID:  in.ChannelID,
			DiscordMessageID:  in.MessageID,
			DiscordFromUserID: in.FromUserID,
		}
		if in.TimeoutMs > 0 {
			deadline := now.Add(time.Duration(in.TimeoutMs) * time.Millisecond)
			fields.TimeoutAt = &deadline
		}
		return fields, nil

	case KindTimeWaitUntil:
		var in timeWaitUntilInput
		if err := json.Unmarshal(input, &in); err != nil {
			return IndexFields{}, fmt.Errorf("%w: time.wait_until input: %v", ErrValidation, err)
		}
		if in.RunAtMs <= 0 {
			return IndexFields{}, fmt.Errorf("%w: time.wait_until requires runAtMs", ErrValidation)
		}
		deadline := time.UnixMilli(in.RunAtMs).UTC()
		return IndexFields{TimeoutAt: &deadline}, nil

	case KindTimeCron:
		var in timeCronInput
		if err := json.Unmarshal(input, &in); err != nil {
			return IndexFields{}, fmt.Errorf("%w: time.cron input: %v", ErrValidation, err)
		}
		if in.Expr == "" {
			return IndexFields{}, fmt.Errorf("%w: time.cron requires expr", ErrValidation)
		}
		nextMs, err := ComputeNextCronAtMs(CronSpec{
			Expr:       in.Expr,
			TZ:         in.TZ,
			StartAtMs:  in.StartAtMs,
			SkipMissed: in.SkipMissed,
		}, now.UnixMilli())
		if err != nil {
			return IndexFields{}, err
		}
		deadline := time.UnixMilli(nextMs).UTC()
		return IndexFields{TimeoutAt: &deadline}, nil

	default:
		return IndexFields{}, nil
	}
}
