package history

import (
	"context"
	"log/slog"
	"time"

	"lia-terminal/internal/domain"
)

// PrunedPayload is the payload of history.pruned.
type PrunedPayload struct {
	Removed int64     `json:"removed"`
	Before  time.Time `json:"before"`
}

// Pruner deletes history older than a retention window. It backs the
// history_prune scheduled action.
type Pruner struct {
	store     domain.HistoryStore
	retention time.Duration
	bus       domain.EventBus
	audit     domain.AuditLogger
	logger    *slog.Logger
}

// NewPruner creates a Pruner. bus and audit may be nil.
func NewPruner(store domain.HistoryStore, retention time.Duration, bus domain.EventBus, audit domain.AuditLogger, logger *slog.Logger) *Pruner {
	if audit == nil {
		audit = domain.NopAuditLogger{}
	}
	return &Pruner{store: store, retention: retention, bus: bus, audit: audit, logger: logger}
}

// Run removes entries older than the retention window. A zero retention
// keeps everything.
func (p *Pruner) Run(ctx context.Context) error {
	if p.retention <= 0 {
		return nil
	}
	before := time.Now().Add(-p.retention)
	n, err := p.store.Prune(ctx, before)
	if err != nil {
		return domain.WrapOp("Pruner.Run", err)
	}

	p.logger.Info("history pruned", "removed", n, "before", before)
	if err := p.audit.Log(ctx, domain.AuditEvent{
		Type:    domain.AuditHistoryPrune,
		Actor:   "scheduler",
		Action:  "prune",
		Outcome: "success",
		Detail:  map[string]string{"before": before.UTC().Format(time.RFC3339)},
	}); err != nil {
		p.logger.Warn("audit write failed", "type", string(domain.AuditHistoryPrune), "error", err)
	}
	if p.bus != nil {
		p.bus.Publish(ctx, domain.NewEvent(ctx, domain.EventHistoryPruned, PrunedPayload{Removed: n, Before: before}))
	}
	return nil
}
