// Package transport defines the seam to the chat transport that actually
// delivers messages to players. The orchestration core treats every send as
// retryable and never assumes delivery implies receipt.
package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/SpiritWalker84/trivia-bot/internal/sched"
)

// MessageID identifies a delivered message on the external transport.
type MessageID string

// Sender delivers one message to one player. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, playerID int64, text string) (MessageID, error)
}

// RetryingSender wraps a Sender with the configured bounded backoff. A
// delivery that exhausts its attempts is logged as a failure for that player
// and reported to the caller; it must never abort the round for other players.
type RetryingSender struct {
	inner Sender
	retry sched.RetryPolicy
	log   *slog.Logger
	sleep func(time.Duration)
}

func NewRetryingSender(inner Sender, retry sched.RetryPolicy, log *slog.Logger) *RetryingSender {
	return &RetryingSender{inner: inner, retry: retry, log: log, sleep: time.Sleep}
}

func (s *RetryingSender) Send(ctx context.Context, playerID int64, text string) (MessageID, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		id, err := s.inner.Send(ctx, playerID, text)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if s.retry.Exhausted(attempt) {
			s.log.Error("delivery failed for player", "player", playerID, "attempts", attempt, "err", err)
			return "", lastErr
		}
		delay := s.retry.Backoff(attempt)
		s.log.Warn("send failed, retrying", "player", playerID, "attempt", attempt, "backoff", delay, "err", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
			s.sleep(delay)
		}
	}
}
