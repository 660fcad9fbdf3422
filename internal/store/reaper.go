package store

import (
	"context"
	"log/slog"
	"time"
)

// ReapCallback is called with each session ID removed by the reaper.
type ReapCallback func(sessionID string)

// StartReaper runs a background goroutine that periodically sweeps for
// sessions idle past the retention window, plus sessions that never
// recorded a first turn. It stops when ctx is cancelled.
func StartReaper(ctx context.Context, st *Store, retention, interval time.Duration, onReap ReapCallback) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session reaper started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				reapExpiredSessions(st, retention, onReap)
			case <-ctx.Done():
				slog.Info("Session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func reapExpiredSessions(st *Store, retention time.Duration, onReap ReapCallback) {
	expired := st.ExpiredIDs(retention)
	if len(expired) == 0 {
		return
	}

	slog.Info("Session reaper found expired sessions", "count", len(expired))

	for _, id := range expired {
		st.Delete(id)
		if onReap != nil {
			onReap(id)
		}
	}

	slog.Info("Session reaper cleanup completed", "reaped", len(expired))
}
