package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/basket/wfengine/internal/bus"
	"github.com/basket/wfengine/internal/workflow"
	"github.com/bwmarrin/discordgo"
)

// SuppressionChecker is the narrow collaborator DiscordChannel depends
// on to decide whether an inbound message is already spoken for by a
// waiting workflow task. *workflow.Store satisfies it.
type SuppressionChecker interface {
	CheckSuppression(ctx context.Context, event workflow.AdapterEvent) (workflow.SuppressionResult, error)
}

// GeneralRouter is the out-of-scope general chat pipeline a message
// is forwarded to when Router Suppression does not claim it. Nothing
// in this repo implements it end-to-end; the wiring layer supplies a
// stub or a real pipeline.
type GeneralRouter interface {
	RouteGeneralMessage(ctx context.Context, event workflow.AdapterEvent) error
}

// DiscordChannel implements the Channel interface for Discord, using
// discordgo's gateway session. It publishes every inbound message as
// evt.adapter.message_created (so the Reply Resolver can match it
// against waiting tasks) and, only when Router Suppression does not
// claim the message, forwards it to GeneralRouter.
type DiscordChannel struct {
	token            string
	allowedGuildIDs  map[int64]struct{}
	allowedChanIDs   map[int64]struct{}
	suppression      SuppressionChecker
	generalRouter    GeneralRouter
	eventBus         *bus.Bus
	logger           *slog.Logger

	session *discordgo.Session
}

// NewDiscordChannel constructs a DiscordChannel. Empty allow-lists mean
// "allow everything" — matching the operator's yaml config default.
func NewDiscordChannel(token string, allowedGuildIDs, allowedChanIDs []int64, suppression SuppressionChecker, generalRouter GeneralRouter, eventBus *bus.Bus, logger *slog.Logger) *DiscordChannel {
	guilds := make(map[int64]struct{}, len(allowedGuildIDs))
	for _, id := range allowedGuildIDs {
		guilds[id] = struct{}{}
	}
	chans := make(map[int64]struct{}, len(allowedChanIDs))
	for _, id := range allowedChanIDs {
		chans[id] = struct{}{}
	}
	return &DiscordChannel{
		token:           token,
		allowedGuildIDs: guilds,
		allowedChanIDs:  chans,
		suppression:     suppression,
		generalRouter:   generalRouter,
		eventBus:        eventBus,
		logger:          logger,
	}
}

func (d *DiscordChannel) Name() string { return "discord" }

// Start opens the gateway session and blocks until ctx is cancelled,
// reconnecting with exponential backoff on unexpected session drops —
// discordgo auto-reconnects its websocket internally, but a session
// that fails Open() outright (bad token swap, network partition at
// startup) needs the same retry discipline the Telegram adapter uses.
func (d *DiscordChannel) Start(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := d.runSession(ctx); err != nil {
			d.logger.Warn("discord_session_failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

func (d *DiscordChannel) runSession(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord: construct session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		d.handleMessageCreate(ctx, m)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	d.session = session
	d.logger.Info("discord_session_opened", "user", session.State.User.Username)

	<-ctx.Done()
	if err := session.Close(); err != nil {
		d.logger.Warn("discord_session_close_failed", "error", err)
	}
	return nil
}

func (d *DiscordChannel) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if len(d.allowedGuildIDs) > 0 {
		if _, ok := d.allowedGuildIDs[parseSnowflake(m.GuildID)]; !ok {
			return
		}
	}
	if len(d.allowedChanIDs) > 0 {
		if _, ok := d.allowedChanIDs[parseSnowflake(m.ChannelID)]; !ok {
			d.logger.Debug("discord_channel_not_allowed", "channel_id", m.ChannelID)
			return
		}
	}

	raw := map[string]interface{}{
		"discord": map[string]string{"replyToMessageId": replyToMessageID(m.Message)},
	}
	rawJSON, err := json.Marshal(raw)
	if err != nil {
		d.logger.Error("discord_marshal_raw_failed", "error", err)
		return
	}

	event := workflow.AdapterEvent{
		Platform:  "discord",
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      m.Content,
		TS:        m.Timestamp.UnixMilli(),
		Raw:       rawJSON,
	}

	if d.eventBus != nil {
		d.eventBus.Publish(bus.TopicEvtAdapterMessageCreated, bus.EvtAdapterMessageCreated{
			Platform: event.Platform, ChannelID: event.ChannelID, MessageID: event.MessageID,
			UserID: event.UserID, UserName: event.UserName, Text: event.Text, TS: event.TS, Raw: event.Raw,
		})
	}

	if d.suppression == nil {
		return
	}
	result, err := d.suppression.CheckSuppression(ctx, event)
	if err != nil {
		d.logger.Error("discord_suppression_check_failed", "error", err)
		return
	}
	if result.Suppress {
		d.logger.Debug("discord_message_suppressed", "reason", result.Reason)
		return
	}
	if d.generalRouter == nil {
		return
	}
	if err := d.generalRouter.RouteGeneralMessage(ctx, event); err != nil {
		d.logger.Error("discord_route_general_failed", "error", err)
	}
}

// replyToMessageID extracts the message this one replies to, if any.
// discordgo surfaces it via MessageReference for a true reply (not a
// forward or a crosspost).
func replyToMessageID(m *discordgo.Message) string {
	if m.MessageReference == nil || m.Type != discordgo.MessageTypeReply {
		return ""
	}
	return m.MessageReference.MessageID
}

func parseSnowflake(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
