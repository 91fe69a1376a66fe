package events

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// StartRetentionRoutine drops history entries older than maxAge every interval.
// It blocks until ctx is done.
func (r *RedisBus) StartRetentionRoutine(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Starting event retention routine", "interval", interval, "maxAge", maxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Stream ids start with the entry's millisecond timestamp.
			minID := strconv.FormatInt(time.Now().Add(-maxAge).UnixMilli(), 10)
			trimmed, err := r.client.XTrimMinIDApprox(ctx, Stream, minID, 0).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("Event retention failed", "error", err)
				continue
			}
			if trimmed > 0 {
				slog.Info("Trimmed old job events", "count", trimmed)
			}
		}
	}
}
