package store

import (
	"context"
	"log/slog"
	"time"
)

// RunRetention trims r down to keep messages every interval until ctx is
// done. It returns immediately when keep or interval is not positive.
func RunRetention(ctx context.Context, log *slog.Logger, r Retainer, keep int, interval time.Duration) error {
	if keep <= 0 || interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("Context done, stopping history retention")
			return nil
		case <-ticker.C:
			removed, err := r.Trim(ctx, keep)
			if err != nil {
				log.Error("History retention failed", "error", err)
				continue
			}
			if removed > 0 {
				log.Info("History retention pass", "removed", removed, "kept", keep)
			}
		}
	}
}
