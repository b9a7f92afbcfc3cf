package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"swingtrader/broker"
	"swingtrader/hook"
	"swingtrader/logger"
	"swingtrader/market"
	"swingtrader/metrics"
	"swingtrader/store"
)

const lastReconcileKey = "last_reconcile_at"

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	At            time.Time           `json:"at"`
	Checked       int                 `json:"checked"`
	Skipped       int                 `json:"skipped"`
	Matched       int                 `json:"matched"`
	Adjusted      int                 `json:"adjusted"`
	Completed     int                 `json:"completed"`
	Discrepancies []store.Discrepancy `json:"discrepancies"`
}

// orderChecker reads one ledger order back from the broker and settles it.
type orderChecker interface {
	CheckOrder(ctx context.Context, o *store.Order) (*store.Order, error)
}

// Reconciler folds broker holdings back into the tracking scope. The broker
// is authoritative: every difference is applied and reported.
type Reconciler struct {
	st       *store.Store
	gw       broker.Gateway
	clock    market.Clock
	hooks    *hook.Registry
	locks    *store.SymbolLocks
	checker  orderChecker
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	mu       sync.Mutex
}

// NewReconciler creates a reconciler; interval defaults to 15 minutes.
// checker settles the engine's own live orders before holdings are compared.
func NewReconciler(st *store.Store, gw broker.Gateway, clock market.Clock, hooks *hook.Registry,
	locks *store.SymbolLocks, checker orderChecker, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Reconciler{
		st:       st,
		gw:       gw,
		clock:    clock,
		hooks:    hooks,
		locks:    locks,
		checker:  checker,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the periodic loop. The first pass runs immediately.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run(ctx)
	logger.Infof("📊 Reconciler started (interval %s)", r.interval)
}

// Stop ends the loop and waits for the current pass.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	if r.cancel != nil {
		r.cancel()
	}
	logger.Info("📊 Reconciler stopped")
}

func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		if _, err := r.Reconcile(ctx); err != nil {
			logger.Warnf("⚠️  reconciliation failed: %v", err)
		}
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-r.clock.After(r.interval):
		}
	}
}

// Reconcile compares every active tracking entry with the broker's
// holdings. When holdings are unavailable nothing is changed.
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := &ReconcileReport{At: r.clock.Now()}
	entries, err := r.st.Tracking().ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		holdings, err := r.gw.GetHoldings(ctx)
		if err != nil {
			if !errors.Is(err, broker.ErrHoldingsUnavailable) {
				err = fmt.Errorf("%w: %v", broker.ErrHoldingsUnavailable, err)
			}
			return nil, err
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if err := r.reconcileEntry(ctx, entry, holdings, report); err != nil {
				logger.WithSymbol(entry.BaseSymbol).Warnf("⚠️  reconcile failed: %v", err)
			}
		}
	}

	if open, err := r.st.Position().ListOpen(ctx); err == nil {
		metrics.OpenPositions.Set(float64(len(open)))
	}
	if err := r.st.SetSystemConfig(ctx, lastReconcileKey, report.At.UTC().Format(time.RFC3339)); err != nil {
		logger.Warnf("⚠️  failed to save reconcile time: %v", err)
	}
	if report.Adjusted+report.Completed > 0 {
		logger.Infof("📊 Reconciled %d entries: adjusted=%d completed=%d", report.Checked, report.Adjusted, report.Completed)
	}
	return report, nil
}

func (r *Reconciler) reconcileEntry(ctx context.Context, entry *store.TrackingEntry, holdings []broker.Holding, report *ReconcileReport) error {
	base := entry.BaseSymbol
	unlock := r.locks.Lock(base)
	defer unlock()

	// our own orders the broker already filled must land in tracking before
	// the diff, or they read as manual trades
	changed, partial, err := r.settleLive(ctx, base)
	if err != nil {
		return err
	}

	// re-read under the lock; a settled exit may have completed the entry
	entry, err = r.st.Tracking().GetActive(ctx, base)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	report.Checked++

	if partial {
		// filled shares are at the broker but not yet tracked
		report.Skipped++
		return nil
	}
	if changed {
		// the batch holdings predate the settlement
		if holdings, err = r.gw.GetHoldings(ctx); err != nil {
			return fmt.Errorf("%w: %v", broker.ErrHoldingsUnavailable, err)
		}
		again, _, err := r.settleLive(ctx, base)
		if err != nil {
			return err
		}
		if again {
			report.Skipped++
			return nil
		}
	}

	if entry.CurrentTrackedQty == 0 {
		if _, err := r.st.Order().ActiveBuy(ctx, entry.BaseSymbol); err == nil {
			// awaiting the first fill
			report.Skipped++
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	expected := entry.Expected()
	held := broker.HoldingQty(holdings, market.Variants(entry.BaseSymbol))
	if held == expected {
		report.Matched++
		return nil
	}

	d := &store.Discrepancy{
		BaseSymbol: entry.BaseSymbol,
		Expected:   expected,
		Broker:     held,
	}
	switch {
	case held == 0:
		d.Kind = store.DiscrepancyClosed
	case held > expected:
		d.Kind = store.DiscrepancyManualBuy
	default:
		d.Kind = store.DiscrepancyManualSell
	}

	if d.Kind != store.DiscrepancyClosed {
		if err := r.st.Tracking().AdjustQty(ctx, entry.ID, held-expected); err != nil {
			return err
		}
		report.Adjusted++
	}
	if d.Kind == store.DiscrepancyClosed || entry.CurrentTrackedQty+(held-expected) <= 0 {
		if err := r.closeOut(ctx, entry); err != nil {
			return err
		}
		report.Completed++
	}

	if err := r.st.Tracking().RecordDiscrepancy(ctx, d); err != nil {
		return err
	}
	report.Discrepancies = append(report.Discrepancies, *d)
	metrics.Discrepancies.WithLabelValues(d.Kind).Inc()
	logger.AuditDiscrepancy(d.BaseSymbol, d.Kind, d.Expected, d.Broker)
	logger.WithFields(logrus.Fields{
		"symbol":   d.BaseSymbol,
		"kind":     d.Kind,
		"expected": d.Expected,
		"broker":   d.Broker,
	}).Warn("⚠️  holdings discrepancy applied")
	r.hooks.Fire(ctx, hook.Event{
		Kind:     hook.Discrepancy,
		Symbol:   d.BaseSymbol,
		Reason:   d.Kind,
		Expected: d.Expected,
		Broker:   d.Broker,
		At:       d.DetectedAt,
	})
	return nil
}

// settleLive reads back every live broker order for base. changed reports an
// order that reached a terminal status or filled more shares; partial an
// order still live with shares filled.
func (r *Reconciler) settleLive(ctx context.Context, base string) (changed, partial bool, err error) {
	if r.checker == nil {
		return false, false, nil
	}
	live, err := r.st.Order().ListActiveForSymbol(ctx, base)
	if err != nil {
		return false, false, err
	}
	for _, o := range live {
		if o.BrokerOrderID == "" || o.Status == store.StatusRetryPending {
			continue
		}
		updated, err := r.checker.CheckOrder(ctx, o)
		if err != nil {
			return changed, partial, fmt.Errorf("read-back of order %d failed: %w", o.ID, err)
		}
		if store.IsTerminal(updated.Status) || updated.FilledQty != o.FilledQty {
			changed = true
		}
		if !store.IsTerminal(updated.Status) && updated.FilledQty > 0 {
			partial = true
		}
	}
	return changed, partial, nil
}

// closeOut completes the entry, closes its live orders and the open
// position. Broker-side cancels are best effort.
func (r *Reconciler) closeOut(ctx context.Context, entry *store.TrackingEntry) error {
	live, err := r.st.Order().ListActiveForSymbol(ctx, entry.BaseSymbol)
	if err != nil {
		return err
	}
	for _, o := range live {
		if o.BrokerOrderID != "" && o.Status != store.StatusRetryPending {
			if err := r.gw.CancelOrder(ctx, o.BrokerOrderID); err != nil {
				logger.WithSymbol(o.Symbol).Warnf("⚠️  cancel of %s failed: %v", o.BrokerOrderID, err)
			}
		}
		if _, err := r.st.Order().Transition(ctx, o.ID, store.StatusClosed, store.ReasonPositionClosed, nil); err != nil &&
			!errors.Is(err, store.ErrTerminal) {
			return err
		}
		if o.Status == store.StatusRetryPending {
			if err := r.st.Retry().Resolve(ctx, o.ID, store.RetryExpired); err != nil {
				return err
			}
		}
	}

	pos, err := r.st.Position().GetOpen(ctx, entry.BaseSymbol)
	switch {
	case err == nil:
		if err := r.st.Position().Close(ctx, pos.ID, 0, 0, "holdings reconciled to zero"); err != nil {
			return err
		}
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	return r.st.Tracking().Complete(ctx, entry.ID)
}

// LastRun returns when reconciliation last completed, zero if never.
func (r *Reconciler) LastRun(ctx context.Context) time.Time {
	v, err := r.st.GetSystemConfig(ctx, lastReconcileKey)
	if err != nil || v == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, v)
	return t
}
