// Package notify renders live announcements and fans them out to every
// subscribed channel through a Sender.
package notify

import (
	"context"
	"errors"
	"fmt"
)

// Sender is the only capability the dispatcher needs from a chat platform.
type Sender interface {
	Send(ctx context.Context, channelID, content string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, channelID, content string) error

func (f SenderFunc) Send(ctx context.Context, channelID, content string) error {
	return f(ctx, channelID, content)
}

// ErrUndeliverable marks a send failure that retrying cannot fix (channel gone,
// missing permission). Senders wrap it; the dispatcher stops retrying on it.
var ErrUndeliverable = errors.New("undeliverable")

// DeliveryError is one subscriber's failed delivery.
type DeliveryError struct {
	GuildID   string
	ChannelID string
	Username  string
	Attempts  int
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to guild %s channel %s (attempts=%d): %v", e.Username, e.GuildID, e.ChannelID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
