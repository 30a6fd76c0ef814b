// Package transport carries MESH lines over a group-chat service. The core
// only needs two things from it: a Sender for outbound lines and a stream
// of inbound Events carrying enough identity for dedup.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Event is one inbound transport message. MessageID may be empty when the
// transport has no stable per-message id; ingest then dedups on a payload
// hash instead.
type Event struct {
	ChatID    string
	MessageID string
	Text      string
}

// Sender delivers one text line to a channel.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// Handler consumes inbound events.
type Handler func(ctx context.Context, ev Event)

// Default retry configuration.
const (
	DefaultRetries   = 2
	DefaultBaseDelay = 150 * time.Millisecond
	MinBaseDelay     = 50 * time.Millisecond
)

// Retrier wraps a Sender with exponential backoff. The first attempt is
// immediate; each of the up-to-Retries extra attempts waits BaseDelay·2^n.
// The last error surfaces to the caller once the budget is spent.
type Retrier struct {
	sender    Sender
	retries   int
	baseDelay time.Duration
	log       *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier builds a Retrier. retries < 0 and delays below MinBaseDelay
// are clamped to the defaults.
func NewRetrier(sender Sender, retries int, baseDelay time.Duration, log *slog.Logger) *Retrier {
	if retries < 0 {
		retries = DefaultRetries
	}
	if baseDelay < MinBaseDelay {
		baseDelay = DefaultBaseDelay
	}
	if log == nil {
		log = slog.Default()
	}
	return &Retrier{
		sender:    sender,
		retries:   retries,
		baseDelay: baseDelay,
		log:       log,
		sleep:     sleepCtx,
	}
}

func (r *Retrier) Send(ctx context.Context, chatID, text string) error {
	var err error
	delay := r.baseDelay
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			r.log.Debug("retrying send", "chat", chatID, "attempt", attempt, "delay", delay)
			if serr := r.sleep(ctx, delay); serr != nil {
				return serr
			}
			delay *= 2
		}
		if err = r.sender.Send(ctx, chatID, text); err == nil {
			return nil
		}
	}
	return fmt.Errorf("send to %s failed after %d attempts: %w", chatID, r.retries+1, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
