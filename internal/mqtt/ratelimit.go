package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// rateLimiter caps outbound event messages per interval. It uses atomic
// counters so the mirror's hot path never takes a lock.
type rateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newRateLimiter allows limit messages per interval. A limit of zero or
// less disables limiting.
func newRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled and
// reports how many messages were dropped in the window.
func (r *rateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt events dropped due to rate limit",
					"seen", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow counts one message and reports whether it fits the window.
func (r *rateLimiter) allow() bool {
	n := r.count.Add(1)
	if r.limit <= 0 || n <= r.limit {
		return true
	}
	r.dropped.Add(1)
	return false
}
