package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/service"
)

// DefaultPresenceInterval is how often locally held presence is rewritten.
const DefaultPresenceInterval = time.Minute

// StartBroadcastWorker registers broadcast handlers and returns the function
// that unregisters them.
func StartBroadcastWorker(broadcasts *service.BroadcastService) func() {
	if broadcasts == nil {
		return func() {}
	}
	broadcasts.RegisterHandlers()
	return broadcasts.Close
}

// Refresher rewrites shared state owned by this process.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RunPresenceRefresher calls Refresh every interval until ctx is done.
// Failures are logged and retried on the next tick.
func RunPresenceRefresher(ctx context.Context, refresher Refresher, interval time.Duration, logger *zap.Logger) {
	if refresher == nil {
		return
	}
	if interval <= 0 {
		interval = DefaultPresenceInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := refresher.Refresh(ctx); err != nil {
				logger.Warn("presence refresh failed", zap.Error(err))
			}
		}
	}
}
