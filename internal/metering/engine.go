package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keyroute/broker/internal/keeper"
	"github.com/keyroute/broker/internal/registry"
	"github.com/keyroute/broker/internal/store"
)

// Engine accrues per-tunnel usage and delivers it to the keeper in batches.
// Accrual advances each active tunnel's billing cursor in whole-minute steps;
// the sub-minute remainder is billed by the terminal transition. Delivery
// drains the pending queue into one usage report; a failed report re-enqueues
// the batch at the tail.
type Engine struct {
	reg             *registry.Registry
	keeper          keeper.Keeper
	journal         *store.AuditStore // nil disables journaling
	region          string
	accrualInterval time.Duration
	deliverInterval time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	pending []keeper.UsageRecord
}

// New creates a metering engine. journal may be nil.
func New(reg *registry.Registry, kp keeper.Keeper, journal *store.AuditStore, region string, accrualInterval, deliverInterval time.Duration) *Engine {
	return &Engine{
		reg:             reg,
		keeper:          kp,
		journal:         journal,
		region:          region,
		accrualInterval: accrualInterval,
		deliverInterval: deliverInterval,
		logger:          slog.Default(),
	}
}

// EnqueueSeconds appends a pending usage record for the given billed span.
// Zero or negative spans are dropped.
func (e *Engine) EnqueueSeconds(agentID, tunnelID string, seconds float64, ts time.Time) {
	if seconds <= 0 {
		return
	}
	rec := keeper.UsageRecord{
		AgentID:   agentID,
		Operation: keeper.OperationTunnelHour,
		Quantity:  seconds / 3600,
		Timestamp: ts,
		Metadata: keeper.UsageMetadata{
			Region:          e.region,
			TunnelID:        tunnelID,
			DurationSeconds: seconds,
		},
	}
	e.mu.Lock()
	e.pending = append(e.pending, rec)
	e.mu.Unlock()
}

// PendingCount returns the number of records awaiting delivery.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// AccrueOnce runs one periodic accrual pass: every active tunnel with at
// least a whole minute elapsed since its cursor gets a usage record and its
// cursor advanced by exactly that many minutes.
func (e *Engine) AccrueOnce(now time.Time) {
	for _, t := range e.reg.ActiveSnapshots() {
		billed := e.reg.AccrueWholeMinutes(t.ID, now)
		if billed > 0 {
			e.EnqueueSeconds(t.AgentID, t.ID, float64(billed), now)
		}
	}
}

// DeliverOnce drains the pending queue into a single keeper report. On any
// failure the drained batch is re-enqueued at the tail; the keeper is
// commutative over records so ordering across retries does not matter.
func (e *Engine) DeliverOnce(ctx context.Context) {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	resp, err := e.keeper.ReportUsage(ctx, batch)
	if err != nil {
		e.logger.Warn("usage report failed, re-queuing batch", "records", len(batch), "error", err)
		e.mu.Lock()
		e.pending = append(e.pending, batch...)
		e.mu.Unlock()
		return
	}

	total := 0.0
	for _, rec := range batch {
		total += rec.Quantity
	}
	e.logger.Info("usage batch delivered",
		"records", len(batch),
		"processed", resp.Processed,
		"credits_deducted", resp.TotalCreditsDeducted,
	)

	if e.journal != nil {
		if err := e.journal.WriteJournal(len(batch), total, resp.TotalCreditsDeducted); err != nil {
			e.logger.Error("failed to journal usage delivery", "error", err)
		}
	}
}

// Run drives the accrual and delivery tickers until the context is canceled.
func (e *Engine) Run(ctx context.Context) {
	accrue := time.NewTicker(e.accrualInterval)
	defer accrue.Stop()
	deliver := time.NewTicker(e.deliverInterval)
	defer deliver.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("metering loops stopped")
			return
		case <-accrue.C:
			e.AccrueOnce(time.Now())
		case <-deliver.C:
			e.DeliverOnce(ctx)
		}
	}
}

// FinalFlush closes out unbilled time for every active tunnel (cursor advanced
// to now, records kept active) and runs one bounded delivery. Called on
// shutdown; anything the keeper does not accept before the deadline is lost.
func (e *Engine) FinalFlush(timeout time.Duration) {
	now := time.Now()
	for _, t := range e.reg.ActiveSnapshots() {
		seconds := e.reg.AccrueToNow(t.ID, now)
		e.EnqueueSeconds(t.AgentID, t.ID, seconds, now)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	e.DeliverOnce(ctx)

	if n := e.PendingCount(); n > 0 {
		e.logger.Warn("shutdown with undelivered usage records", "records", n)
	}
}
