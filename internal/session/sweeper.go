package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweep runs one expiry pass followed by one idle pass.
func (m *Manager) Sweep(ctx context.Context) (expired, idle int64, err error) {
	expired, err = m.CleanupExpired(ctx)
	if err != nil {
		return 0, 0, err
	}
	idle, err = m.TimeoutInactive(ctx, 0)
	if err != nil {
		return expired, 0, err
	}
	if m.observe != nil {
		m.observe(string(ReasonExpired), expired)
		m.observe(string(ReasonTimeout), idle)
	}
	return expired, idle, nil
}

// RunSweeper sweeps every interval until ctx is cancelled. Failures are
// logged and retried on the next tick.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			expired, idle, err := m.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.log.Error("session sweep failed", zap.Error(err))
				continue
			}
			if expired+idle > 0 {
				m.log.Info("session sweep", zap.Int64("expired", expired), zap.Int64("timed_out", idle))
			}
		}
	}
}
