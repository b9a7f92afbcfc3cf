package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"swingtrader/broker"
	"swingtrader/hook"
	"swingtrader/logger"
	"swingtrader/market"
	"swingtrader/metrics"
	"swingtrader/store"
)

// CycleStats summarizes one verifier pass.
type CycleStats struct {
	Checked   int `json:"checked"`
	Executed  int `json:"executed"`
	Rejected  int `json:"rejected"`
	Cancelled int `json:"cancelled"`
	Partial   int `json:"partial"`
	Pending   int `json:"pending"`
	Unknown   int `json:"unknown"`
}

// StatusVerifier polls the broker for every live ledger order and applies
// the resulting transitions.
type StatusVerifier struct {
	st       *store.Store
	gw       broker.Gateway
	sess     *market.Session
	clock    market.Clock
	hooks    *hook.Registry
	fills    *FillHandler
	interval time.Duration
	backoff  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	mu       sync.Mutex // one cycle at a time
	lastTick atomic.Int64
}

// NewStatusVerifier creates a verifier. interval defaults to 30 minutes and
// backoff to one minute.
func NewStatusVerifier(st *store.Store, gw broker.Gateway, sess *market.Session, clock market.Clock,
	hooks *hook.Registry, fills *FillHandler, interval, backoff time.Duration) *StatusVerifier {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if backoff <= 0 {
		backoff = time.Minute
	}
	return &StatusVerifier{
		st:       st,
		gw:       gw,
		sess:     sess,
		clock:    clock,
		hooks:    hooks,
		fills:    fills,
		interval: interval,
		backoff:  backoff,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the polling loop. The first cycle runs immediately.
func (v *StatusVerifier) Start(ctx context.Context) {
	ctx, v.cancel = context.WithCancel(ctx)
	v.wg.Add(1)
	go v.run(ctx)
	logger.Infof("📦 Status verifier started (interval %s)", v.interval)
}

// Stop ends the loop after the current order's transition commits and waits
// for it to exit.
func (v *StatusVerifier) Stop() {
	v.stopOnce.Do(func() { close(v.stopCh) })
	v.wg.Wait()
	if v.cancel != nil {
		v.cancel()
	}
	logger.Info("📦 Status verifier stopped")
}

func (v *StatusVerifier) run(ctx context.Context) {
	defer v.wg.Done()
	for {
		wait := v.interval
		if _, err := v.safeCycle(ctx); err != nil {
			logger.Warnf("⚠️  status verifier cycle failed, retrying in %s: %v", v.backoff, err)
			wait = v.backoff
		}
		select {
		case <-v.stopCh:
			return
		case <-ctx.Done():
			return
		case <-v.clock.After(wait):
		}
	}
}

// safeCycle turns a panic inside a cycle into an error so the loop backs off
// instead of taking the process down.
func (v *StatusVerifier) safeCycle(ctx context.Context) (stats *CycleStats, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.VerifierCycles.WithLabelValues("error").Inc()
			err = fmt.Errorf("status verifier cycle panicked: %v", rec)
		}
	}()
	return v.runCycle(ctx)
}

// RunCycle performs one verification pass.
func (v *StatusVerifier) RunCycle(ctx context.Context) (*CycleStats, error) {
	return v.runCycle(ctx)
}

func (v *StatusVerifier) tick() {
	metrics.VerifierCycles.WithLabelValues("ok").Inc()
	v.lastTick.Store(v.clock.Now().UnixNano())
}

// LastTick is when the last successful cycle finished; zero before the first.
func (v *StatusVerifier) LastTick() time.Time {
	n := v.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (v *StatusVerifier) stopping() bool {
	select {
	case <-v.stopCh:
		return true
	default:
		return false
	}
}

func (v *StatusVerifier) runCycle(ctx context.Context) (*CycleStats, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	stats := &CycleStats{}
	orders, err := v.st.Order().ListNonTerminal(ctx)
	if err != nil {
		metrics.VerifierCycles.WithLabelValues("error").Inc()
		return stats, err
	}
	var tracked []*store.Order
	for _, o := range orders {
		if o.BrokerOrderID != "" {
			tracked = append(tracked, o)
		}
	}
	if len(tracked) == 0 {
		v.tick()
		return stats, nil
	}

	live, err := v.gw.GetPendingOrders(ctx)
	if err != nil {
		metrics.VerifierCycles.WithLabelValues("error").Inc()
		return stats, fmt.Errorf("failed to fetch pending orders: %w", err)
	}
	var (
		report      []broker.Order
		reportFetch bool
	)

	for _, o := range tracked {
		if v.stopping() {
			break
		}
		stats.Checked++
		bo, found := broker.FindByID(live, o.BrokerOrderID)
		if !found {
			if !reportFetch {
				report, err = v.gw.GetOrderReport(ctx)
				if err != nil {
					metrics.VerifierCycles.WithLabelValues("error").Inc()
					return stats, fmt.Errorf("failed to fetch order report: %w", err)
				}
				reportFetch = true
			}
			bo, found = broker.FindByID(report, o.BrokerOrderID)
		}
		if !found {
			v.handleMissing(ctx, o, stats)
			continue
		}
		if _, err := v.apply(ctx, o, bo, stats); err != nil {
			logger.WithFields(logrus.Fields{"symbol": o.Symbol, "order_id": o.ID}).Warnf("⚠️  failed to apply broker status: %v", err)
		}
	}
	v.tick()
	if stats.Checked > 0 {
		logger.Infof("📦 Verified %d order(s): executed=%d rejected=%d cancelled=%d partial=%d pending=%d unknown=%d",
			stats.Checked, stats.Executed, stats.Rejected, stats.Cancelled, stats.Partial, stats.Pending, stats.Unknown)
	}
	return stats, nil
}

// handleMissing deals with an order absent from both the live book and the
// report.
func (v *StatusVerifier) handleMissing(ctx context.Context, o *store.Order, stats *CycleStats) {
	log := logger.WithFields(logrus.Fields{"symbol": o.Symbol, "order_id": o.ID, "broker": o.BrokerOrderID})
	now := v.clock.Now()
	if !v.sess.AssumeCancelled(o.PlacedAt, now) {
		stats.Pending++
		log.Info("order not found at broker yet, leaving pending")
		if err := v.st.Order().Touch(ctx, o.ID, now); err != nil {
			log.Warnf("⚠️  failed to touch order: %v", err)
		}
		return
	}
	updated, err := v.st.Order().Transition(ctx, o.ID, store.StatusCancelled, store.ReasonAssumedCancel, func(x *store.Order) {
		x.LastCheckedAt = now
	})
	if err != nil {
		log.Warnf("⚠️  failed to mark order cancelled: %v", err)
		return
	}
	stats.Cancelled++
	log.Info("🚫 order missing after close, assumed cancelled by broker")
	v.settled(ctx, updated)
}

// CheckOrder reads one order's status back from the broker right after
// placement.
func (v *StatusVerifier) CheckOrder(ctx context.Context, o *store.Order) (*store.Order, error) {
	if o.BrokerOrderID == "" || store.IsTerminal(o.Status) {
		return o, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	live, err := v.gw.GetPendingOrders(ctx)
	if err != nil {
		return o, err
	}
	bo, found := broker.FindByID(live, o.BrokerOrderID)
	if !found {
		report, err := v.gw.GetOrderReport(ctx)
		if err != nil {
			return o, err
		}
		if bo, found = broker.FindByID(report, o.BrokerOrderID); !found {
			return o, nil
		}
	}
	return v.apply(ctx, o, bo, &CycleStats{})
}

// apply maps a broker row onto the ledger order.
func (v *StatusVerifier) apply(ctx context.Context, o *store.Order, bo broker.Order, stats *CycleStats) (*store.Order, error) {
	now := v.clock.Now()
	kind := bo.Kind
	if kind == broker.KindUnknown {
		kind = broker.ClassifyStatus(bo.Status, bo.Quantity, bo.FilledQty)
	}
	orders := v.st.Order()

	switch kind {
	case broker.KindExecuted:
		updated, err := orders.Transition(ctx, o.ID, store.StatusExecuted, "broker: "+bo.Status, func(x *store.Order) {
			x.FilledQty = bo.FilledQty
			if x.FilledQty <= 0 {
				x.FilledQty = x.Quantity
			}
			if bo.AvgPrice > 0 {
				x.AvgPrice = bo.AvgPrice
			}
			x.LastCheckedAt = now
		})
		if err != nil {
			return o, err
		}
		stats.Executed++
		v.settled(ctx, updated)
		return updated, nil

	case broker.KindRejected:
		reason := bo.RejectReason
		if reason == "" {
			reason = "rejected by broker"
		}
		updated, err := orders.Transition(ctx, o.ID, store.StatusRejected, reason, func(x *store.Order) {
			x.LastCheckedAt = now
		})
		if err != nil {
			return o, err
		}
		stats.Rejected++
		v.settled(ctx, updated)
		return updated, nil

	case broker.KindCancelled:
		updated, err := orders.Transition(ctx, o.ID, store.StatusCancelled, "cancelled at broker", func(x *store.Order) {
			x.FilledQty = bo.FilledQty
			if bo.AvgPrice > 0 {
				x.AvgPrice = bo.AvgPrice
			}
			x.LastCheckedAt = now
		})
		if err != nil {
			return o, err
		}
		stats.Cancelled++
		v.settled(ctx, updated)
		return updated, nil

	case broker.KindPartial:
		stats.Partial++
		mutate := func(x *store.Order) {
			x.FilledQty = bo.FilledQty
			if bo.AvgPrice > 0 {
				x.AvgPrice = bo.AvgPrice
			}
			x.LastCheckedAt = now
		}
		if o.Status == store.StatusPending || o.Status == store.StatusRetryPending {
			return orders.Transition(ctx, o.ID, store.StatusOngoing, fmt.Sprintf("partially filled %d/%d", bo.FilledQty, bo.Quantity), mutate)
		}
		return orders.Annotate(ctx, o.ID, mutate)

	case broker.KindPending:
		stats.Pending++
		if o.Status == store.StatusPending {
			return orders.Transition(ctx, o.ID, store.StatusOngoing, "accepted by broker: "+bo.Status, func(x *store.Order) {
				x.LastCheckedAt = now
			})
		}
		return o, orders.Touch(ctx, o.ID, now)

	default:
		stats.Unknown++
		logger.WithFields(logrus.Fields{"symbol": o.Symbol, "order_id": o.ID, "status": bo.Status}).
			Warn("⚠️  unknown broker status, leaving order unchanged")
		return o, orders.Touch(ctx, o.ID, now)
	}
}

// settled runs fill bookkeeping for a terminal order and then the hooks.
func (v *StatusVerifier) settled(ctx context.Context, o *store.Order) {
	var err error
	if o.Status == store.StatusExecuted {
		err = v.fills.OnExecuted(ctx, o)
	} else {
		err = v.fills.OnUnfilled(ctx, o)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.WithFields(logrus.Fields{"symbol": o.Symbol, "order_id": o.ID}).Warnf("⚠️  fill bookkeeping failed: %v", err)
	}

	ev := hook.Event{
		Symbol:        o.Symbol,
		OrderID:       o.ID,
		BrokerOrderID: o.BrokerOrderID,
		Side:          o.Side,
		Quantity:      o.Quantity,
		Price:         o.AvgPrice,
		At:            v.clock.Now(),
	}
	switch o.Status {
	case store.StatusExecuted:
		ev.Kind = hook.OrderExecuted
		ev.Quantity = o.FilledQty
	case store.StatusRejected:
		ev.Kind, ev.Reason = hook.OrderRejected, o.RejectionReason
	default:
		ev.Kind, ev.Reason = hook.OrderCancelled, o.CancelledReason
	}
	v.hooks.Fire(ctx, ev)
}
