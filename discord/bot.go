package discord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/kick-notifier/db"
	"github.com/onnwee/kick-notifier/kickapi"
)

const commandTimeout = 10 * time.Second

// SubscriptionStore is what the slash commands and guild events need from db.Store.
type SubscriptionStore interface {
	AddSubscription(ctx context.Context, sub db.Subscription) error
	RemoveSubscription(ctx context.Context, guildID, username string) (bool, error)
	ListSubscriptionsForGuild(ctx context.Context, guildID string) ([]db.Subscription, error)
	UpsertGuild(ctx context.Context, guildID, name string) error
	DeleteGuild(ctx context.Context, guildID string) error
}

// StreamerChecker validates streamers before they are subscribed.
type StreamerChecker interface {
	FetchStatus(ctx context.Context, username string) (*kickapi.StatusRecord, error)
}

// Bot owns the gateway session and the /kick command.
type Bot struct {
	session  *discordgo.Session
	store    SubscriptionStore
	checker  StreamerChecker
	guildID  string
	commands []*discordgo.ApplicationCommand
}

// NewSession creates a gateway session with the intents the bot needs.
func NewSession(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds
	return s, nil
}

// NewBot wires handlers onto session. guildID scopes command registration; empty registers globally.
func NewBot(session *discordgo.Session, store SubscriptionStore, checker StreamerChecker, guildID string) *Bot {
	b := &Bot{session: session, store: store, checker: checker, guildID: guildID}
	if session != nil {
		session.AddHandler(b.onReady)
		session.AddHandler(b.onGuildCreate)
		session.AddHandler(b.onGuildDelete)
		session.AddHandler(b.onInteraction)
	}
	return b
}

func (b *Bot) logger() *slog.Logger {
	return slog.Default().With(slog.String("component", "discord"))
}

// Open connects to the gateway and registers the slash commands.
func (b *Bot) Open() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	appID := b.session.State.User.ID
	for _, cmd := range commandDefinitions() {
		registered, err := b.session.ApplicationCommandCreate(appID, b.guildID, cmd)
		if err != nil {
			return fmt.Errorf("failed to register command %s: %w", cmd.Name, err)
		}
		b.commands = append(b.commands, registered)
	}
	b.logger().Info("slash commands registered", slog.Int("count", len(b.commands)), slog.String("guild_scope", b.guildID))
	return nil
}

// Close disconnects from the gateway. Commands stay registered.
func (b *Bot) Close() error {
	return b.session.Close()
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.logger().Info("connected to Discord", slog.String("user", r.User.Username), slog.Int("guilds", len(r.Guilds)))
}

func (b *Bot) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	b.syncGuildCreate(g.Guild)
}

func (b *Bot) onGuildDelete(s *discordgo.Session, g *discordgo.GuildDelete) {
	b.syncGuildDelete(g.Guild)
}

func (b *Bot) syncGuildCreate(g *discordgo.Guild) {
	if g == nil || g.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := b.store.UpsertGuild(ctx, g.ID, g.Name); err != nil {
		b.logger().Error("guild upsert failed", slog.String("guild_id", g.ID), slog.Any("err", err))
	}
}

// syncGuildDelete drops the guild only when the bot was removed; outages
// arrive as GuildDelete with Unavailable set and must keep the data.
func (b *Bot) syncGuildDelete(g *discordgo.Guild) {
	if g == nil || g.ID == "" || g.Unavailable {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := b.store.DeleteGuild(ctx, g.ID); err != nil {
		b.logger().Error("guild delete failed", slog.String("guild_id", g.ID), slog.Any("err", err))
		return
	}
	b.logger().Info("bot removed from guild; subscriptions dropped", slog.String("guild_id", g.ID))
}

func (b *Bot) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	in, err := parseCommand(i.GuildID, i.ChannelID, i.ApplicationCommandData())
	if err != nil {
		b.logger().Warn("unknown command", slog.Any("err", err))
		return
	}
	b.logger().Debug("received command", slog.String("sub", in.Sub), slog.String("guild_id", in.GuildID), slog.String("streamer", in.Username))

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}); err != nil {
		b.logger().Warn("interaction defer failed", slog.Any("err", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	reply := b.execute(ctx, in)
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &reply}); err != nil {
		b.logger().Warn("interaction reply failed", slog.Any("err", err))
	}
}
