package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/kick-notifier/db"
	"github.com/onnwee/kick-notifier/kickapi"
	"github.com/onnwee/kick-notifier/telemetry"
)

const tracerName = "dispatcher"

// Result summarizes one fan-out. Failures never turn into the Notify error.
type Result struct {
	Attempted int
	Delivered int
	Failures  []*DeliveryError
}

// Dispatcher sends one rendered message per subscriber.
type Dispatcher struct {
	Sender Sender

	// MaxAttempts per subscriber; values below 1 mean a single attempt.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewDispatcher(sender Sender, maxAttempts int) *Dispatcher {
	return &Dispatcher{
		Sender:         sender,
		MaxAttempts:    maxAttempts,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Notify delivers status to every subscriber independently. It returns an error
// only when ctx ends before every subscriber was attempted.
func (d *Dispatcher) Notify(ctx context.Context, status *kickapi.StatusRecord, subs []db.Subscription) (Result, error) {
	var res Result
	log := telemetry.LoggerWithCorr(ctx)
	for i, sub := range subs {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("dispatch %s interrupted after %d of %d subscribers: %w", status.Username, i, len(subs), err)
		}
		res.Attempted++
		content := Render(status, sub.Language, sub.CustomMessage)
		dctx, span := telemetry.StartSpan(ctx, tracerName, "notify.deliver",
			telemetry.StreamerAttr(status.Username), telemetry.GuildAttr(sub.GuildID))
		attempts, err := d.deliver(dctx, sub.ChannelID, content)
		if err != nil {
			telemetry.RecordError(span, err)
			span.End()
			derr := &DeliveryError{GuildID: sub.GuildID, ChannelID: sub.ChannelID, Username: status.Username, Attempts: attempts, Err: err}
			res.Failures = append(res.Failures, derr)
			telemetry.RecordDelivery(telemetry.DeliveryFailed)
			log.Warn("notification delivery failed",
				slog.String("streamer", status.Username),
				slog.String("guild_id", sub.GuildID),
				slog.String("channel_id", sub.ChannelID),
				slog.Int("attempts", attempts),
				slog.Any("err", err),
				slog.String("component", "dispatcher"))
			continue
		}
		telemetry.SetSpanSuccess(span)
		span.End()
		res.Delivered++
		telemetry.RecordDelivery(telemetry.DeliverySent)
		log.Debug("notification delivered",
			slog.String("streamer", status.Username),
			slog.String("guild_id", sub.GuildID),
			slog.String("channel_id", sub.ChannelID),
			slog.String("component", "dispatcher"))
	}
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, channelID, content string) (int, error) {
	if d.MaxAttempts <= 1 {
		return 1, d.Sender.Send(ctx, channelID, content)
	}

	eb := backoff.NewExponentialBackOff()
	if d.InitialBackoff > 0 {
		eb.InitialInterval = d.InitialBackoff
	}
	if d.MaxBackoff > 0 {
		eb.MaxInterval = d.MaxBackoff
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := d.Sender.Send(ctx, channelID, content)
		if err != nil && errors.Is(err, ErrUndeliverable) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(d.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			telemetry.RecordDelivery(telemetry.DeliveryRetry)
			slog.Debug("retrying delivery", slog.String("channel_id", channelID), slog.Duration("next", next), slog.Any("err", err))
		}),
	)
	return attempts, err
}
