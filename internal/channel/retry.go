package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRetryWait = 2 * time.Second

// withRetry runs call, retrying up to maxAttempts times while Telegram
// answers 429 Too Many Requests. Any other error is returned at once.
func (p *Publisher) withRetry(ctx context.Context, op string, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		p.limiter.Take()
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		err := call()
		if err == nil {
			if attempt > 1 {
				p.logger.Info("call succeeded after retry", zap.String("op", op), zap.Int("attempt", attempt))
			}
			return nil
		}
		lastErr = err

		if !isRateLimited(err) {
			return err
		}

		wait := defaultRetryWait
		if seconds, ok := parseRetryAfter(err.Error()); ok {
			wait = time.Duration(seconds) * time.Second
		}
		if p.maxWait > 0 && wait > p.maxWait {
			wait = p.maxWait
		}
		p.logger.Warn("rate limit hit",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Int("max_attempts", p.maxAttempts), zap.Duration("wait", wait))

		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: context cancelled during rate limit wait: %w", op, ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%s: max attempts (%d) exceeded: %w", op, p.maxAttempts, lastErr)
}

func isRateLimited(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Too Many Requests") || strings.Contains(msg, "429")
}

// parseRetryAfter extracts the retry delay from a Telegram error string
// ending in "retry after N".
func parseRetryAfter(errorString string) (int, bool) {
	var retryAfter int
	fields := strings.Fields(errorString)
	for i := len(fields) - 2; i >= 0; i-- {
		if fields[i] != "after" {
			continue
		}
		if _, err := fmt.Sscan(strings.Trim(fields[i+1], ",;)"), &retryAfter); err == nil && retryAfter > 0 {
			return retryAfter, true
		}
	}
	return 0, false
}
