/*
scheduler.go - Periodic ledger reconciliation

PURPOSE:
  Periodically sweeps recent transactions and checks that refund records,
  line refund counters and transaction statuses still agree, and reports
  products at or below their low-stock threshold. The sweep is read-only;
  problems are logged for an operator, never auto-corrected.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each sweep covers transactions created within Lookback
  - The latest report is kept for GET /api/admin/reconciliation

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Lookback:      How far back each sweep reaches (default: 7 days)
  - Enabled:       Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/reconcile.go: The sweep itself
  - handlers.go: RunReconciliation endpoint (manual run)
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/clinic-pos/ledger"
)

// ReconciliationScheduler runs ledger reconciliation on a ticker.
type ReconciliationScheduler struct {
	Engine        *ledger.Engine
	Logger        *zap.Logger
	CheckInterval time.Duration
	Lookback      time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	reportMu sync.RWMutex
	last     *ledger.ReconciliationReport
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(engine *ledger.Engine, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Engine:        engine,
		Logger:        logger.Named("reconciliation"),
		CheckInterval: 1 * time.Hour,
		Lookback:      7 * 24 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run()

	rs.Logger.Info("scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.Logger.Info("scheduler stopped")
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow(context.Background())

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(context.Background())
		case <-rs.stop:
			return
		}
	}
}

// RunNow performs one sweep and stores its report.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (*ledger.ReconciliationReport, error) {
	since := rs.Engine.Now().Add(-rs.Lookback)
	report, err := rs.Engine.Reconcile(ctx, since)
	if err != nil {
		rs.Logger.Error("reconciliation failed", zap.Error(err))
		return nil, err
	}

	for _, m := range report.Mismatches {
		rs.Logger.Error("ledger mismatch",
			zap.String("transaction_id", string(m.TransactionID)),
			zap.String("item_id", string(m.ItemID)),
			zap.String("problem", m.Problem),
		)
	}
	for _, p := range report.LowStock {
		rs.Logger.Warn("low stock",
			zap.String("product_id", string(p.ID)),
			zap.String("product_name", p.Name),
			zap.Int("quantity", p.Quantity),
			zap.Int("threshold", p.LowStockThreshold),
		)
	}
	rs.Logger.Info("reconciliation completed",
		zap.Int("transactions", report.Transactions),
		zap.Int("items", report.Items),
		zap.Int("mismatches", len(report.Mismatches)),
		zap.Int("low_stock", len(report.LowStock)),
	)

	rs.reportMu.Lock()
	rs.last = report
	rs.reportMu.Unlock()
	return report, nil
}

// LastReport returns the most recent report, or nil before the first sweep.
func (rs *ReconciliationScheduler) LastReport() *ledger.ReconciliationReport {
	rs.reportMu.RLock()
	defer rs.reportMu.RUnlock()
	return rs.last
}
