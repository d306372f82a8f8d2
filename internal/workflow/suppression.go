package workflow

import (
	"context"
	"encoding/json"
)

// SuppressionResult is the Router Suppression query's answer.
type SuppressionResult struct {
	Suppress bool
	Reason   string
}

// CheckSuppression answers whether the adapter's message router should
// drop event (rather than forward it to the general request pipeline)
// because it is already spoken for by a waiting discord.wait_for_reply
// task. Non-discord events, or discord events that are not themselves
// a reply, are never suppressed — only an explicit reply anchor can
// trigger suppression.
func (s *Store) CheckSuppression(ctx context.Context, event AdapterEvent) (SuppressionResult, error) {
	var raw discordRaw
	if event.Platform != "discord" || len(event.Raw) == 0 {
		return SuppressionResult{Suppress: false}, nil
	}
	if err := json.Unmarshal(event.Raw, &raw); err != nil || raw.Discord.ReplyToMessageID == "" {
		return SuppressionResult{Suppress: false}, nil
	}

	candidates, err := s.ListDiscordWaitForReplyTasksByChannelIDAndMessageID(ctx, event.ChannelID, raw.Discord.ReplyToMessageID)
	if err != nil {
		return SuppressionResult{}, err
	}

	for _, candidate := range candidates {
		resolvedBy, _ := MatchReply(event, candidate.DiscordChannelID, candidate.DiscordMessageID, candidate.DiscordFromUserID)
		if resolvedBy == "" {
			continue
		}
		return SuppressionResult{
			Suppress: true,
			Reason:   "workflow:" + candidate.WorkflowID + ":" + candidate.TaskID,
		}, nil
	}
	return SuppressionResult{Suppress: false}, nil
}
