package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/feenlabs/feen/internal/storage"
)

const pruneInterval = 7 * 24 * time.Hour

// RetentionPruner deletes audit and usage rows past the retention horizon.
type RetentionPruner struct {
	store     storage.Store
	retention time.Duration
	now       func() time.Time
}

// NewRetentionPruner creates a pruner keeping retentionDays of history.
func NewRetentionPruner(store storage.Store, retentionDays int) *RetentionPruner {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &RetentionPruner{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
	}
}

// Name returns the worker identifier.
func (p *RetentionPruner) Name() string { return "retention_pruner" }

// Run prunes once at startup and then weekly.
func (p *RetentionPruner) Run(ctx context.Context) error {
	p.prune(ctx)

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *RetentionPruner) prune(ctx context.Context) {
	cutoff := p.now().UTC().Add(-p.retention)

	audits, err := p.store.PruneAudit(ctx, cutoff)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "audit prune failed",
			slog.String("error", err.Error()),
		)
	}
	usage, err := p.store.PruneUsage(ctx, cutoff)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage prune failed",
			slog.String("error", err.Error()),
		)
	}
	if audits > 0 || usage > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "retention prune complete",
			slog.Int64("audit_rows", audits),
			slog.Int64("usage_rows", usage),
		)
	}
}
