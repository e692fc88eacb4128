// Package discord connects the notifier to Discord: it delivers announcements
// and serves the /kick slash commands that manage subscriptions.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/kick-notifier/notify"
)

// MaxMessageLength is Discord's content limit in characters.
const MaxMessageLength = 2000

// ChannelMessenger is the part of *discordgo.Session used for delivery.
type ChannelMessenger interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Sender implements notify.Sender over a Discord session.
type Sender struct {
	Session ChannelMessenger
}

func NewSender(s ChannelMessenger) *Sender { return &Sender{Session: s} }

// Send posts content to channelID. Missing channels and permissions are reported
// as notify.ErrUndeliverable.
func (s *Sender) Send(ctx context.Context, channelID, content string) error {
	msg := &discordgo.MessageSend{
		Content: truncate(content, MaxMessageLength),
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
		},
	}
	_, err := s.Session.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx))
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden, http.StatusNotFound:
			return fmt.Errorf("%w: %v", notify.ErrUndeliverable, err)
		}
	}
	return err
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
