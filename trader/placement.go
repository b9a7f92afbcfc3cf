package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"swingtrader/broker"
	"swingtrader/config"
	"swingtrader/hook"
	"swingtrader/logger"
	"swingtrader/market"
	"swingtrader/metrics"
	"swingtrader/store"
)

// errOrderIDLost means the broker accepted a placement without returning an
// id and the order book search did not find it either.
var errOrderIDLost = errors.New("broker returned no order id and none was found in the order book")

// Params are the engine tunables shared by the services.
type Params struct {
	Strategy    config.Strategy
	Exchange    string
	Product     string
	OrderIDWait time.Duration
}

// PlacementService turns buy recommendations into broker orders.
type PlacementService struct {
	st       *store.Store
	gw       broker.Gateway
	lookup   market.Lookup
	sess     *market.Session
	clock    market.Clock
	hooks    *hook.Registry
	locks    *store.SymbolLocks
	manual   *ManualMatcher
	verifier *StatusVerifier
	params   Params
}

// NewPlacementService wires the placement pipeline.
func NewPlacementService(st *store.Store, gw broker.Gateway, lookup market.Lookup, sess *market.Session,
	clock market.Clock, hooks *hook.Registry, locks *store.SymbolLocks, manual *ManualMatcher,
	verifier *StatusVerifier, params Params) *PlacementService {
	return &PlacementService{
		st:       st,
		gw:       gw,
		lookup:   lookup,
		sess:     sess,
		clock:    clock,
		hooks:    hooks,
		locks:    locks,
		manual:   manual,
		verifier: verifier,
		params:   params,
	}
}

// PlaceEntry runs one recommendation through admission. Broker holdings are
// fetched first; when they are unavailable nothing is placed and the error
// wraps broker.ErrHoldingsUnavailable.
func (s *PlacementService) PlaceEntry(ctx context.Context, rec Recommendation, snap *market.Snapshot) (*Attempt, error) {
	holdings, err := s.holdings(ctx)
	if err != nil {
		return nil, err
	}
	return s.placeEntry(ctx, rec, snap, holdings), nil
}

// PlaceBatch admits recommendations against one holdings snapshot. When
// holdings cannot be fetched the whole batch is aborted.
func (s *PlacementService) PlaceBatch(ctx context.Context, recs []Recommendation, snaps map[string]*market.Snapshot) (*BatchSummary, error) {
	summary := &BatchSummary{ID: uuid.NewString(), Kind: "entry", StartedAt: s.clock.Now()}
	logger.Infof("📦 Placement batch %s: %d recommendation(s)", summary.ID, len(recs))

	holdings, err := s.holdings(ctx)
	if err != nil {
		summary.Aborted = true
		summary.Error = err.Error()
		for _, rec := range recs {
			a := &Attempt{Ticker: rec.Ticker, BaseSymbol: market.BaseSymbol(rec.Ticker)}
			summary.add(a.fail(ReasonHoldingsUnavailable, nil))
		}
		if perr := summary.persist(ctx, s.st); perr != nil {
			logger.Warnf("⚠️  failed to record batch %s: %v", summary.ID, perr)
		}
		logger.Errorf("❌ Placement batch %s aborted: %v", summary.ID, err)
		return summary, err
	}

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.add(s.placeEntry(ctx, rec, snaps[rec.Ticker], holdings))
	}
	if err := summary.persist(ctx, s.st); err != nil {
		logger.Warnf("⚠️  failed to record batch %s: %v", summary.ID, err)
	}
	logger.Infof("📦 Placement batch %s done: placed=%d skipped=%d", summary.ID, summary.Placed, summary.Skipped)
	return summary, nil
}

func (s *PlacementService) holdings(ctx context.Context) ([]broker.Holding, error) {
	holdings, err := s.gw.GetHoldings(ctx)
	if err == nil {
		return holdings, nil
	}
	if errors.Is(err, broker.ErrHoldingsUnavailable) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", broker.ErrHoldingsUnavailable, err)
}

// placeEntry is the admission pipeline. It never returns an error: every
// failure becomes a reason code on the attempt.
func (s *PlacementService) placeEntry(ctx context.Context, rec Recommendation, snap *market.Snapshot, holdings []broker.Holding) *Attempt {
	base := market.BaseSymbol(rec.Ticker)
	a := &Attempt{Ticker: rec.Ticker, BaseSymbol: base}
	if !rec.IsBuy() {
		return a.skip(ReasonNotBuy, rec.Verdict)
	}
	if err := snap.Validate(); err != nil {
		return a.skip(ReasonNoSnapshot, err.Error())
	}

	unlock := s.locks.Lock(base)
	defer unlock()

	log := logger.WithFields(logrus.Fields{"symbol": base, "ticker": rec.Ticker})

	qty := quantityFor(s.params.Strategy.CapitalPerTrade, snap.Close)
	a.Quantity = qty
	if qty < 1 {
		return a.skip(ReasonInvalidQuantity, fmt.Sprintf("close %.2f exceeds capital per trade", snap.Close))
	}

	// 1. capacity
	if reason, err := s.checkCapacity(ctx, base); err != nil {
		return a.fail(ReasonBrokerError, err)
	} else if reason != "" {
		log.Infof("skip: %s", reason)
		return a.skip(reason, "")
	}

	// 2. duplicates and manual orders
	if reason, detail, err := s.checkDuplicate(ctx, base, qty, snap, holdings); err != nil {
		return a.fail(ReasonBrokerError, err)
	} else if reason != "" {
		log.Infof("skip: %s %s", reason, detail)
		return a.skip(reason, detail)
	}

	// 3. liquidity
	if ok, detail := s.liquid(qty, snap); !ok {
		log.Infof("skip: illiquid (%s)", detail)
		return a.skip(ReasonIlliquid, detail)
	}

	// 4. balance
	limits, err := s.gw.GetLimits(ctx)
	if err != nil {
		return a.fail(ReasonBrokerError, err)
	}
	required := requiredCash(qty, snap.Close)
	if limits.AvailableCash < required {
		return s.queueRetry(ctx, a, rec, snap, qty, required, limits.AvailableCash)
	}

	// 5. symbol resolution
	inst, err := market.Resolve(ctx, s.lookup, rec.Ticker)
	if err != nil {
		if errors.Is(err, market.ErrUnknownSymbol) {
			return a.skip(ReasonUnknownSymbol, err.Error())
		}
		return a.fail(ReasonBrokerError, err)
	}
	a.Symbol = inst.Symbol

	// 6. reserve, place, read back
	o := &store.Order{
		BaseSymbol: base,
		Ticker:     rec.Ticker,
		Side:       store.SideBuy,
		Purpose:    store.PurposeEntry,
		Rung:       store.Rung30,
		Quantity:   qty,
		RefPrice:   snap.Close,
		Product:    s.params.Product,
		Variety:    s.sess.Variety(s.clock.Now()),
		Tag:        uuid.NewString(),
	}
	s.applyInstrument(o, inst, snap.Close)
	if err := s.st.Order().Create(ctx, o); err != nil {
		if errors.Is(err, store.ErrActiveOrderExists) {
			return a.skip(ReasonActiveOrder, "")
		}
		return a.fail(ReasonBrokerError, err)
	}
	a.OrderID = o.ID
	return s.finishPlacement(ctx, a, o, holdings)
}

// finishPlacement submits a PENDING ledger row, links it to the tracking
// scope and reads its status back once.
func (s *PlacementService) finishPlacement(ctx context.Context, a *Attempt, o *store.Order, holdings []broker.Holding) *Attempt {
	placed, reason, err := s.submit(ctx, o)
	if err != nil {
		a.Status = store.StatusFailed
		return a.fail(reason, err)
	}
	a.BrokerOrderID = placed.BrokerOrderID
	a.Status = placed.Status

	pre := broker.HoldingQty(holdings, market.Variants(o.BaseSymbol))
	entry, err := s.st.Tracking().Activate(ctx, o.BaseSymbol, o.Symbol, o.Ticker, pre)
	if err != nil {
		logger.WithSymbol(o.BaseSymbol).Warnf("⚠️  failed to activate tracking: %v", err)
	} else if err := s.st.Tracking().AddRelatedOrder(ctx, entry.ID, placed.BrokerOrderID); err != nil {
		logger.WithSymbol(o.BaseSymbol).Warnf("⚠️  failed to link order to tracking: %v", err)
	}

	if checked, err := s.verifier.CheckOrder(ctx, placed); err != nil {
		logger.WithSymbol(o.BaseSymbol).Warnf("⚠️  read-back of order %s failed: %v", placed.BrokerOrderID, err)
	} else {
		a.Status = checked.Status
	}

	if a.Status == store.StatusRejected {
		a.Outcome, a.Reason = OutcomeFailed, ReasonRejected
		return a
	}
	a.Placed, a.Outcome, a.Reason = true, OutcomePlaced, ReasonPlaced
	logger.WithFields(logrus.Fields{
		"symbol":   o.Symbol,
		"order_id": o.ID,
		"broker":   placed.BrokerOrderID,
	}).Infof("✅ %s %s qty=%d placed (%s)", o.Purpose, o.Side, o.Quantity, a.Status)
	return a
}

// applyInstrument sets symbol, exchange and order type. Trade-to-trade
// segments get a limit price above the last close.
func (s *PlacementService) applyInstrument(o *store.Order, inst *market.Instrument, close float64) {
	o.Symbol = inst.Symbol
	o.Exchange = inst.Exchange
	if o.Exchange == "" {
		o.Exchange = s.params.Exchange
	}
	if market.IsT2T(inst.Symbol) {
		o.OrderType = broker.OrderTypeLimit
		o.Price = market.LimitPrice(close, s.params.Strategy.T2TLimitPremium, inst.TickSize)
		return
	}
	o.OrderType = broker.OrderTypeMarket
	o.Price = 0
}

// queueRetry reserves the order as RETRY_PENDING and records the shortfall.
func (s *PlacementService) queueRetry(ctx context.Context, a *Attempt, rec Recommendation, snap *market.Snapshot, qty int64, required, available float64) *Attempt {
	base := a.BaseSymbol
	o := &store.Order{
		Symbol:     market.Variants(base)[0],
		BaseSymbol: base,
		Ticker:     rec.Ticker,
		Side:       store.SideBuy,
		Purpose:    store.PurposeEntry,
		Rung:       store.Rung30,
		OrderType:  broker.OrderTypeMarket,
		Quantity:   qty,
		RefPrice:   snap.Close,
		Exchange:   s.params.Exchange,
		Product:    s.params.Product,
		Variety:    s.sess.Variety(s.clock.Now()),
		Tag:        uuid.NewString(),
	}
	if err := s.st.Order().Create(ctx, o); err != nil {
		if errors.Is(err, store.ErrActiveOrderExists) {
			return a.skip(ReasonActiveOrder, "")
		}
		return a.fail(ReasonBrokerError, err)
	}
	reason := fmt.Sprintf("insufficient balance: need %.2f, have %.2f", required, available)
	if _, err := s.st.Order().Transition(ctx, o.ID, store.StatusRetryPending, reason, nil); err != nil {
		return a.fail(ReasonBrokerError, err)
	}
	rr := &store.RetryRecord{
		OrderID:      o.ID,
		BaseSymbol:   base,
		Ticker:       rec.Ticker,
		Quantity:     qty,
		RequiredCash: required,
		Shortfall:    required - available,
	}
	if err := s.st.Retry().Enqueue(ctx, rr); err != nil {
		return a.fail(ReasonBrokerError, err)
	}
	s.hooks.Fire(ctx, hook.Event{
		Kind:     hook.InsufficientBalance,
		Symbol:   base,
		OrderID:  o.ID,
		Side:     store.SideBuy,
		Quantity: qty,
		Price:    snap.Close,
		Reason:   reason,
	})
	logger.WithSymbol(base).Warnf("💰 %s, queued for retry", reason)

	a.OrderID = o.ID
	a.Status = store.StatusRetryPending
	a.Outcome, a.Reason, a.Detail = OutcomeRetry, ReasonInsufficientBalance, reason
	return a
}

// submit sends a PENDING ledger order to the broker and writes back the
// broker id. A failed call marks the order FAILED.
func (s *PlacementService) submit(ctx context.Context, o *store.Order) (*store.Order, Reason, error) {
	log := logger.WithFields(logrus.Fields{"symbol": o.Symbol, "order_id": o.ID})
	placedAt := s.clock.Now()
	bctx := broker.WithOrderTag(ctx, o.Tag)

	var (
		res *broker.PlaceResult
		err error
	)
	switch {
	case o.Side == store.SideSell:
		res, err = s.gw.PlaceMarketSell(bctx, o.Symbol, o.Quantity, o.Variety, o.Exchange, o.Product)
	case o.OrderType == broker.OrderTypeLimit:
		res, err = s.gw.PlaceLimitBuy(bctx, o.Symbol, o.Quantity, o.Price, o.Variety, o.Exchange, o.Product)
	default:
		res, err = s.gw.PlaceMarketBuy(bctx, o.Symbol, o.Quantity, o.Variety, o.Exchange, o.Product)
	}
	if err != nil {
		log.Errorf("❌ placement failed: %v", err)
		s.markFailed(ctx, o, "place failed: "+err.Error())
		return nil, ReasonBrokerError, err
	}

	brokerID := res.OrderID
	if brokerID == "" {
		log.Warnf("⚠️  broker response carried no order id (%s), searching order book", res.Message)
		brokerID, err = s.recoverOrderID(ctx, o, placedAt)
		if err != nil {
			s.markFailed(ctx, o, "order id search failed: "+err.Error())
			return nil, ReasonBrokerError, err
		}
		if brokerID == "" {
			s.markFailed(ctx, o, errOrderIDLost.Error())
			return nil, ReasonOrderIDLost, errOrderIDLost
		}
	}

	placed, err := s.st.Order().Annotate(ctx, o.ID, func(x *store.Order) {
		x.BrokerOrderID = brokerID
		x.PlacedAt = placedAt
	})
	if err != nil {
		return nil, ReasonBrokerError, fmt.Errorf("broker accepted order %s but ledger write failed: %w", brokerID, err)
	}
	metrics.OrdersPlaced.WithLabelValues(o.Purpose, o.Side).Inc()
	return placed, "", nil
}

func (s *PlacementService) markFailed(ctx context.Context, o *store.Order, reason string) {
	if _, err := s.st.Order().Transition(ctx, o.ID, store.StatusFailed, reason, func(x *store.Order) {
		x.RejectionReason = reason
	}); err != nil {
		logger.WithSymbol(o.Symbol).Warnf("⚠️  failed to mark order %d failed: %v", o.ID, err)
	}
}

// recoverOrderID waits for the broker to book the order, then searches the
// order book by tag, or by symbol, side, quantity and time window.
func (s *PlacementService) recoverOrderID(ctx context.Context, o *store.Order, placedAt time.Time) (string, error) {
	if wait := s.params.OrderIDWait; wait > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.clock.After(wait):
		}
	}
	known, err := s.st.Order().BrokerOrderIDs(ctx)
	if err != nil {
		return "", err
	}
	found, err := broker.FindRecentOrder(ctx, s.gw, broker.OrderQuery{
		Variants: market.Variants(o.Symbol),
		Side:     strings.ToUpper(o.Side),
		Quantity: o.Quantity,
		Tag:      o.Tag,
		Since:    placedAt,
		Window:   5 * time.Minute,
	}, known)
	if err != nil || found == nil {
		return "", err
	}
	return found.OrderID, nil
}
