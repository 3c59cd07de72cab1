package link

import (
	"context"
	"log/slog"
	"time"

	"palletspace/internal/types"
)

// LedgerPruner deletes aged dedup entries. Satisfied by db.EventRepository.
type LedgerPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Maintenance runs the periodic cleanup of the webhook dedup ledger. Entries
// older than the retention window are past the provider's redelivery horizon
// and can no longer collide with an inbound delivery.
type Maintenance struct {
	ledger    LedgerPruner
	retention time.Duration
	logger    *slog.Logger
	clock     types.Clock
}

// NewMaintenance creates a Maintenance job with the given ledger retention.
func NewMaintenance(ledger LedgerPruner, retention time.Duration, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		ledger:    ledger,
		retention: retention,
		logger:    logger,
		clock:     types.RealClock{},
	}
}

// PruneLedger deletes dedup entries older than the retention window and
// returns how many were removed.
func (m *Maintenance) PruneLedger(ctx context.Context) (int64, error) {
	cutoff := m.clock.Now().Add(-m.retention)
	removed, err := m.ledger.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.logger.InfoContext(ctx, "pruned webhook dedup ledger",
			"removed", removed,
			"cutoff", cutoff,
		)
	}
	return removed, nil
}

// RunEvery prunes on a fixed interval until ctx is canceled. Intended to run
// in its own goroutine from the API process.
func (m *Maintenance) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.PruneLedger(ctx); err != nil {
				m.logger.ErrorContext(ctx, "ledger prune failed", "error", err)
			}
		}
	}
}
