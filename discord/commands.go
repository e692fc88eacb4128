package discord

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/kick-notifier/db"
	"github.com/onnwee/kick-notifier/kickapi"
	"github.com/onnwee/kick-notifier/notify"
)

const commandName = "kick"

var slugPattern = regexp.MustCompile(`^[a-z0-9_-]{2,25}$`)

func commandDefinitions() []*discordgo.ApplicationCommand {
	manageGuild := int64(discordgo.PermissionManageServer)
	langChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(notify.Languages()))
	for _, l := range notify.Languages() {
		langChoices = append(langChoices, &discordgo.ApplicationCommandOptionChoice{Name: l, Value: l})
	}
	streamerOpt := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "streamer",
		Description: "Kick channel name (as in kick.com/<name>)",
		Required:    true,
	}
	return []*discordgo.ApplicationCommand{{
		Name:                     commandName,
		Description:              "Manage Kick live notifications for this server",
		DefaultMemberPermissions: &manageGuild,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "add",
				Description: "Announce when a Kick streamer goes live",
				Options: []*discordgo.ApplicationCommandOption{
					streamerOpt,
					{
						Type:         discordgo.ApplicationCommandOptionChannel,
						Name:         "channel",
						Description:  "Where to post (defaults to this channel)",
						ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews},
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "language",
						Description: "Announcement language",
						Choices:     langChoices,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "message",
						Description: "Custom text; placeholders {streamer} {title} {category} {viewers} {url}",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "remove",
				Description: "Stop announcing a Kick streamer",
				Options:     []*discordgo.ApplicationCommandOption{streamerOpt},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "list",
				Description: "Show the streamers announced in this server",
			},
		},
	}}
}

// commandInput is a parsed /kick invocation.
type commandInput struct {
	GuildID   string
	Sub       string
	Username  string
	ChannelID string
	Language  string
	Message   string
}

// parseCommand flattens the subcommand options. channelID is the invoking
// channel, used when no target channel was given.
func parseCommand(guildID, channelID string, data discordgo.ApplicationCommandInteractionData) (commandInput, error) {
	in := commandInput{GuildID: guildID, ChannelID: channelID}
	if data.Name != commandName || len(data.Options) == 0 {
		return in, fmt.Errorf("unknown command %q", data.Name)
	}
	sub := data.Options[0]
	in.Sub = sub.Name
	for _, o := range sub.Options {
		v, _ := o.Value.(string)
		switch o.Name {
		case "streamer":
			in.Username = db.NormalizeUsername(strings.TrimPrefix(strings.TrimSpace(v), "https://kick.com/"))
		case "channel":
			if v != "" {
				in.ChannelID = v
			}
		case "language":
			in.Language = strings.ToLower(v)
		case "message":
			in.Message = strings.TrimSpace(v)
		}
	}
	return in, nil
}

// execute runs a parsed command and returns the reply shown to the invoker.
func (b *Bot) execute(ctx context.Context, in commandInput) string {
	if in.GuildID == "" {
		return "This command only works inside a server."
	}
	switch in.Sub {
	case "add":
		return b.add(ctx, in)
	case "remove":
		return b.remove(ctx, in)
	case "list":
		return b.list(ctx, in)
	default:
		return fmt.Sprintf("Unknown subcommand `%s`.", in.Sub)
	}
}

func (b *Bot) add(ctx context.Context, in commandInput) string {
	if !slugPattern.MatchString(in.Username) {
		return fmt.Sprintf("`%s` is not a valid Kick channel name.", in.Username)
	}
	if in.Language == "" {
		in.Language = "en"
	}
	if !notify.SupportedLanguage(in.Language) {
		return fmt.Sprintf("Unsupported language `%s`. Choose one of: %s.", in.Language, strings.Join(notify.Languages(), ", "))
	}
	if len([]rune(in.Message)) > 1500 {
		return "Custom message is too long (max 1500 characters)."
	}

	status, err := b.checker.FetchStatus(ctx, in.Username)
	if err != nil {
		if kickapi.IsTransient(err) {
			return "Kick did not answer right now. Please try again in a minute."
		}
		return "Could not verify the streamer. Please try again."
	}
	if status == nil {
		return fmt.Sprintf("Kick channel `%s` does not exist.", in.Username)
	}

	err = b.store.AddSubscription(ctx, db.Subscription{
		GuildID:       in.GuildID,
		Username:      in.Username,
		ChannelID:     in.ChannelID,
		Language:      in.Language,
		CustomMessage: in.Message,
	})
	if err != nil {
		b.logger().Error("add subscription failed", slog.String("guild_id", in.GuildID), slog.String("streamer", in.Username), slog.Any("err", err))
		return "Failed to save the subscription. Please try again."
	}
	return fmt.Sprintf("Announcing **%s** in <#%s> (%s).", in.Username, in.ChannelID, in.Language)
}

func (b *Bot) remove(ctx context.Context, in commandInput) string {
	removed, err := b.store.RemoveSubscription(ctx, in.GuildID, in.Username)
	if err != nil {
		b.logger().Error("remove subscription failed", slog.String("guild_id", in.GuildID), slog.String("streamer", in.Username), slog.Any("err", err))
		return "Failed to remove the subscription. Please try again."
	}
	if !removed {
		return fmt.Sprintf("**%s** is not tracked in this server.", in.Username)
	}
	return fmt.Sprintf("Stopped announcing **%s**.", in.Username)
}

func (b *Bot) list(ctx context.Context, in commandInput) string {
	subs, err := b.store.ListSubscriptionsForGuild(ctx, in.GuildID)
	if err != nil {
		b.logger().Error("list subscriptions failed", slog.String("guild_id", in.GuildID), slog.Any("err", err))
		return "Failed to load subscriptions."
	}
	if len(subs) == 0 {
		return "No Kick streamers are tracked here yet. Use `/kick add` to start."
	}
	var sb strings.Builder
	sb.WriteString("**Tracked Kick streamers:**\n")
	for i, s := range subs {
		fmt.Fprintf(&sb, "%d. `%s` → <#%s> (%s)", i+1, s.Username, s.ChannelID, s.Language)
		if s.CustomMessage != "" {
			sb.WriteString(" · custom message")
		}
		sb.WriteString("\n")
	}
	return truncate(sb.String(), MaxMessageLength)
}
