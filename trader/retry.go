package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"swingtrader/broker"
	"swingtrader/logger"
	"swingtrader/market"
	"swingtrader/store"
)

// RetryPending re-attempts every queued balance-failed order. Orders past the
// retry window are cancelled; a matching manual order is adopted instead of
// placing a second one.
func (s *PlacementService) RetryPending(ctx context.Context, snaps map[string]*market.Snapshot) (*BatchSummary, error) {
	summary := &BatchSummary{ID: uuid.NewString(), Kind: "retry", StartedAt: s.clock.Now()}
	queued, err := s.st.Retry().ListQueued(ctx)
	if err != nil {
		return summary, err
	}
	if len(queued) == 0 {
		return summary, nil
	}
	logger.Infof("🔁 Retrying %d queued order(s)", len(queued))

	holdings, err := s.holdings(ctx)
	if err != nil {
		summary.Aborted = true
		summary.Error = err.Error()
		return summary, err
	}

	for _, rr := range queued {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.add(s.retryOne(ctx, rr, snaps[rr.Ticker], holdings))
	}
	if err := summary.persist(ctx, s.st); err != nil {
		logger.Warnf("⚠️  failed to record retry batch %s: %v", summary.ID, err)
	}
	return summary, nil
}

func (s *PlacementService) retryOne(ctx context.Context, rr *store.RetryRecord, snap *market.Snapshot, holdings []broker.Holding) *Attempt {
	a := &Attempt{Ticker: rr.Ticker, BaseSymbol: rr.BaseSymbol, OrderID: rr.OrderID, Quantity: rr.Quantity}
	log := logger.WithFields(logrus.Fields{"symbol": rr.BaseSymbol, "order_id": rr.OrderID})

	unlock := s.locks.Lock(rr.BaseSymbol)
	defer unlock()

	o, err := s.st.Order().Get(ctx, rr.OrderID)
	if err != nil {
		return a.fail(ReasonBrokerError, err)
	}
	if o.Status != store.StatusRetryPending {
		// settled elsewhere (cancelled for drift, closed by reconciliation)
		if err := s.st.Retry().Resolve(ctx, o.ID, store.RetryResolved); err != nil {
			log.Warnf("⚠️  failed to resolve retry record: %v", err)
		}
		a.Status = o.Status
		return a.skip(ReasonActiveOrder, "order is "+o.Status)
	}

	now := s.clock.Now()
	if !s.sess.RetryEligible(rr.FirstFailedAt, now) {
		if _, err := s.st.Order().Transition(ctx, o.ID, store.StatusCancelled, store.ReasonRetryExpired, nil); err != nil {
			return a.fail(ReasonBrokerError, err)
		}
		if err := s.st.Retry().Resolve(ctx, o.ID, store.RetryExpired); err != nil {
			log.Warnf("⚠️  failed to resolve retry record: %v", err)
		}
		log.Infof("⌛ retry window expired (first failure %s)", rr.FirstFailedAt.Format("2006-01-02 15:04"))
		a.Status = store.StatusCancelled
		a.Outcome, a.Reason = OutcomeExpired, ReasonRetryExpired
		return a
	}

	if err := snap.Validate(); err != nil {
		return a.skip(ReasonNoSnapshot, err.Error())
	}

	// a manual order may already cover this buy
	res, err := s.manual.DetectManual(ctx, rr.BaseSymbol)
	if err != nil {
		return a.fail(ReasonBrokerError, err)
	}
	if res.HasManual {
		if mo, ok := s.manual.Match(res, o.Quantity); ok {
			return s.adoptManual(ctx, a, o, mo)
		}
		n, err := s.gw.CancelPendingBuys(ctx, market.Variants(rr.BaseSymbol))
		if err != nil {
			return a.fail(ReasonBrokerError, fmt.Errorf("failed to cancel smaller manual orders: %w", err))
		}
		log.Infof("🧹 cancelled %d smaller manual order(s) before retry", n)
	}

	// parameter drift: cancel and go through admission again
	qty := quantityFor(s.params.Strategy.CapitalPerTrade, snap.Close)
	if qty != o.Quantity {
		if _, err := s.st.Order().Transition(ctx, o.ID, store.StatusCancelled, store.ReasonParameterUpdate, nil); err != nil {
			return a.fail(ReasonBrokerError, err)
		}
		if err := s.st.Retry().Resolve(ctx, o.ID, store.RetryResolved); err != nil {
			log.Warnf("⚠️  failed to resolve retry record: %v", err)
		}
		unlock()
		log.Infof("♻️  quantity changed %d -> %d, replacing order", o.Quantity, qty)
		return s.placeEntry(ctx, Recommendation{Ticker: rr.Ticker, Verdict: "buy"}, snap, holdings)
	}

	limits, err := s.gw.GetLimits(ctx)
	if err != nil {
		return a.fail(ReasonBrokerError, err)
	}
	required := requiredCash(o.Quantity, snap.Close)
	if limits.AvailableCash < required {
		shortfall := required - limits.AvailableCash
		if err := s.st.Retry().MarkAttempt(ctx, o.ID, required, shortfall); err != nil {
			log.Warnf("⚠️  failed to record retry attempt: %v", err)
		}
		if err := s.st.Order().IncrementRetry(ctx, o.ID); err != nil {
			log.Warnf("⚠️  failed to bump retry count: %v", err)
		}
		a.Status = store.StatusRetryPending
		a.Outcome, a.Reason = OutcomeRetry, ReasonInsufficientBalance
		a.Detail = fmt.Sprintf("need %.2f, have %.2f", required, limits.AvailableCash)
		return a
	}

	inst, err := market.Resolve(ctx, s.lookup, rr.Ticker)
	if err != nil {
		if errors.Is(err, market.ErrUnknownSymbol) {
			return a.skip(ReasonUnknownSymbol, err.Error())
		}
		return a.fail(ReasonBrokerError, err)
	}
	a.Symbol = inst.Symbol

	pending, err := s.st.Order().Transition(ctx, o.ID, store.StatusPending, "retry attempt", func(x *store.Order) {
		s.applyInstrument(x, inst, snap.Close)
		x.RefPrice = snap.Close
		x.Variety = s.sess.Variety(now)
		x.RetryCount++
	})
	if err != nil {
		return a.fail(ReasonBrokerError, err)
	}
	if err := s.st.Retry().Resolve(ctx, o.ID, store.RetryResolved); err != nil {
		log.Warnf("⚠️  failed to resolve retry record: %v", err)
	}
	return s.finishPlacement(ctx, a, pending, holdings)
}

// adoptManual links a manual broker order to the RETRY_PENDING row.
func (s *PlacementService) adoptManual(ctx context.Context, a *Attempt, o *store.Order, mo broker.Order) *Attempt {
	adopted, isNew, err := s.st.Order().AdoptBrokerOrder(ctx, o.ID, mo.OrderID, mo.Quantity, mo.PlacedAt)
	if err != nil {
		return a.fail(ReasonBrokerError, err)
	}
	if err := s.st.Retry().Resolve(ctx, o.ID, store.RetryResolved); err != nil {
		logger.WithSymbol(o.BaseSymbol).Warnf("⚠️  failed to resolve retry record: %v", err)
	}
	if isNew && mo.Symbol != "" && !strings.EqualFold(mo.Symbol, adopted.Symbol) {
		if updated, err := s.st.Order().Annotate(ctx, adopted.ID, func(x *store.Order) { x.Symbol = mo.Symbol }); err == nil {
			adopted = updated
		}
	}
	entry, err := s.st.Tracking().Activate(ctx, o.BaseSymbol, mo.Symbol, o.Ticker, 0)
	if err == nil {
		err = s.st.Tracking().AddRelatedOrder(ctx, entry.ID, mo.OrderID)
	}
	if err != nil {
		logger.WithSymbol(o.BaseSymbol).Warnf("⚠️  failed to track adopted order: %v", err)
	}
	if isNew {
		logger.WithSymbol(o.BaseSymbol).Infof("🤝 adopted manual order %s qty=%d", mo.OrderID, mo.Quantity)
	}
	a.OrderID = adopted.ID
	a.BrokerOrderID = mo.OrderID
	a.Quantity = adopted.Quantity
	a.Status = adopted.Status
	a.Outcome, a.Reason = OutcomeAdopted, ReasonManualAdopted
	return a
}
