// Package housekeeping prunes terminal delivery records after a retention
// window, keeping the ledger table bounded without touching live deliveries.
package housekeeping

import (
	"context"
	"time"

	"github.com/gestagent/hookd/internal/logging"
	"github.com/gestagent/hookd/internal/store"
)

// Purger periodically deletes delivered and failed records older than the
// retention window.
type Purger struct {
	store     store.Store
	retention time.Duration
	interval  time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

func New(st store.Store, retention, interval time.Duration, logger *logging.Logger) *Purger {
	return &Purger{
		store:     st,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Start runs the purge loop until ctx is cancelled. One pass runs immediately
// so a long-stopped instance catches up on startup.
func (p *Purger) Start(ctx context.Context) {
	p.RunOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single purge pass.
func (p *Purger) RunOnce(ctx context.Context) {
	cutoff := p.now().Add(-p.retention)
	purged, err := p.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("purge terminal deliveries failed")
		return
	}
	if purged > 0 {
		p.logger.WithContext(ctx).WithFields(map[string]any{
			"purged": purged,
			"cutoff": cutoff.Format(time.RFC3339),
		}).Info("purged terminal deliveries")
	}
}
