package trader

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"swingtrader/broker"
	"swingtrader/hook"
	"swingtrader/logger"
	"swingtrader/market"
	"swingtrader/store"
)

// ReentryResult reports what happened to one position.
type ReentryResult struct {
	Symbol        string   `json:"symbol"`
	PositionID    int64    `json:"position_id"`
	Decision      Decision `json:"decision"`
	OrderID       int64    `json:"order_id,omitempty"`
	BrokerOrderID string   `json:"broker_order_id,omitempty"`
	Status        string   `json:"status,omitempty"`
	Quantity      int64    `json:"quantity,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// ReentryPlanner runs the exit rule and the averaging-down ladder for open
// positions.
type ReentryPlanner struct {
	st        *store.Store
	gw        broker.Gateway
	sess      *market.Session
	clock     market.Clock
	hooks     *hook.Registry
	locks     *store.SymbolLocks
	placement *PlacementService
	verifier  *StatusVerifier
	params    Params
}

func NewReentryPlanner(st *store.Store, gw broker.Gateway, sess *market.Session, clock market.Clock,
	hooks *hook.Registry, locks *store.SymbolLocks, placement *PlacementService, verifier *StatusVerifier,
	params Params) *ReentryPlanner {
	return &ReentryPlanner{
		st:        st,
		gw:        gw,
		sess:      sess,
		clock:     clock,
		hooks:     hooks,
		locks:     locks,
		placement: placement,
		verifier:  verifier,
		params:    params,
	}
}

// Run evaluates every open position whose ticker has a snapshot.
func (r *ReentryPlanner) Run(ctx context.Context, snaps map[string]*market.Snapshot) ([]*ReentryResult, error) {
	positions, err := r.st.Position().ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]*ReentryResult, 0, len(positions))
	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		snap := snaps[pos.Ticker]
		if snap == nil {
			results = append(results, &ReentryResult{
				Symbol:     pos.BaseSymbol,
				PositionID: pos.ID,
				Decision:   Decision{Action: ActionHold, Levels: pos.Levels, ResetReady: pos.ResetReady, Reason: "no snapshot"},
			})
			continue
		}
		res, err := r.Evaluate(ctx, pos, snap)
		if err != nil {
			logger.WithSymbol(pos.BaseSymbol).Warnf("⚠️  re-entry evaluation failed: %v", err)
			if res == nil {
				res = &ReentryResult{Symbol: pos.BaseSymbol, PositionID: pos.ID}
			}
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

// Evaluate applies one snapshot to one position: exit, re-enter or hold.
// Ladder state changes are persisted even when no order goes out.
func (r *ReentryPlanner) Evaluate(ctx context.Context, pos *store.Position, snap *market.Snapshot) (*ReentryResult, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	unlock := r.locks.Lock(pos.BaseSymbol)
	defer unlock()

	// reload under the lock
	pos, err := r.st.Position().GetOpen(ctx, pos.BaseSymbol)
	if err != nil {
		return nil, err
	}
	res := &ReentryResult{Symbol: pos.BaseSymbol, PositionID: pos.ID}

	live, err := r.st.Order().ListActiveForSymbol(ctx, pos.BaseSymbol)
	if err != nil {
		return res, err
	}
	if len(live) > 0 {
		res.Decision = Decision{Action: ActionHold, Levels: pos.Levels, ResetReady: pos.ResetReady,
			Reason: fmt.Sprintf("order %d in flight", live[0].ID)}
		return res, nil
	}

	now := r.clock.Now()
	d := Decide(r.params.Strategy, pos, snap, r.sess.Day(now))
	res.Decision = d

	target := 0.0
	if pos.Target == 0 && snap.EMAShort > 0 {
		target = snap.EMAShort
	}
	if d.Changed(pos) || target > 0 {
		if err := r.st.Position().SaveLadder(ctx, pos.ID, d.Levels, d.ResetReady, target); err != nil {
			return res, err
		}
	}

	log := logger.WithFields(logrus.Fields{"symbol": pos.BaseSymbol, "rsi": snap.RSI, "close": snap.Close})
	switch d.Action {
	case ActionExit:
		log.Infof("🚪 exit: %s", d.Reason)
		return res, r.exit(ctx, pos, snap, res)
	case ActionReenter:
		log.Infof("🪜 rung %d: %s", d.Rung, d.Reason)
		return res, r.reenter(ctx, pos, snap, d, res)
	default:
		log.Debugf("hold: %s", d.Reason)
		return res, nil
	}
}

func (r *ReentryPlanner) reenter(ctx context.Context, pos *store.Position, snap *market.Snapshot, d Decision, res *ReentryResult) error {
	limits, err := r.gw.GetLimits(ctx)
	if err != nil {
		return err
	}
	qty := quantityFor(r.params.Strategy.CapitalPerTrade, snap.Close)
	if affordable := quantityFor(limits.AvailableCash, snap.Close); affordable < qty {
		qty = affordable
	}
	if qty < 1 {
		res.Decision.Action = ActionHold
		res.Decision.Reason = fmt.Sprintf("rung %d: insufficient cash %.2f", d.Rung, limits.AvailableCash)
		r.hooks.Fire(ctx, hook.Event{
			Kind:   hook.InsufficientBalance,
			Symbol: pos.BaseSymbol,
			Side:   store.SideBuy,
			Price:  snap.Close,
			Reason: res.Decision.Reason,
		})
		return nil
	}

	now := r.clock.Now()
	o := &store.Order{
		BaseSymbol: pos.BaseSymbol,
		Ticker:     pos.Ticker,
		Side:       store.SideBuy,
		Purpose:    store.PurposeReentry,
		Rung:       d.Rung,
		Quantity:   qty,
		RefPrice:   snap.Close,
		Product:    r.params.Product,
		Variety:    r.sess.Variety(now),
		Tag:        uuid.NewString(),
	}
	r.placement.applyInstrument(o, &market.Instrument{Symbol: pos.Symbol}, snap.Close)
	if err := r.st.Order().Create(ctx, o); err != nil {
		if errors.Is(err, store.ErrActiveOrderExists) {
			res.Decision.Action = ActionHold
			res.Decision.Reason = "live buy exists"
			return nil
		}
		return err
	}
	res.OrderID, res.Quantity = o.ID, qty

	placed, _, err := r.placement.submit(ctx, o)
	if err != nil {
		res.Status = store.StatusFailed
		return err
	}
	res.BrokerOrderID, res.Status = placed.BrokerOrderID, placed.Status

	if _, err := r.st.Position().AddReentry(ctx, pos.ID, store.Fill{
		OrderID:  o.ID,
		Date:     r.sess.Day(now),
		Price:    snap.Close,
		Quantity: qty,
		Rung:     d.Rung,
		FilledAt: now,
	}, snap.EMAShort); err != nil {
		return fmt.Errorf("order %s placed but fill not recorded: %w", placed.BrokerOrderID, err)
	}
	r.linkTracking(ctx, pos.BaseSymbol, placed.BrokerOrderID)

	checked, err := r.verifier.CheckOrder(ctx, placed)
	if err != nil {
		logger.WithSymbol(pos.BaseSymbol).Warnf("⚠️  read-back of re-entry %s failed: %v", placed.BrokerOrderID, err)
		return nil
	}
	res.Status = checked.Status
	return nil
}

func (r *ReentryPlanner) exit(ctx context.Context, pos *store.Position, snap *market.Snapshot, res *ReentryResult) error {
	qty := pos.Quantity
	if entry, err := r.st.Tracking().GetActive(ctx, pos.BaseSymbol); err == nil && entry.CurrentTrackedQty > 0 {
		qty = entry.CurrentTrackedQty
	}
	if qty <= 0 {
		return fmt.Errorf("nothing to sell for %s", pos.BaseSymbol)
	}
	o := &store.Order{
		Symbol:     pos.Symbol,
		BaseSymbol: pos.BaseSymbol,
		Ticker:     pos.Ticker,
		Side:       store.SideSell,
		Purpose:    store.PurposeExit,
		OrderType:  broker.OrderTypeMarket,
		Quantity:   qty,
		RefPrice:   snap.Close,
		Exchange:   r.params.Exchange,
		Product:    r.params.Product,
		Variety:    r.sess.Variety(r.clock.Now()),
		Tag:        uuid.NewString(),
	}
	if err := r.st.Order().Create(ctx, o); err != nil {
		return err
	}
	res.OrderID, res.Quantity = o.ID, qty

	placed, _, err := r.placement.submit(ctx, o)
	if err != nil {
		res.Status = store.StatusFailed
		return err
	}
	res.BrokerOrderID, res.Status = placed.BrokerOrderID, placed.Status
	r.linkTracking(ctx, pos.BaseSymbol, placed.BrokerOrderID)

	checked, err := r.verifier.CheckOrder(ctx, placed)
	if err != nil {
		logger.WithSymbol(pos.BaseSymbol).Warnf("⚠️  read-back of exit %s failed: %v", placed.BrokerOrderID, err)
		return nil
	}
	res.Status = checked.Status
	return nil
}

func (r *ReentryPlanner) linkTracking(ctx context.Context, base, brokerOrderID string) {
	entry, err := r.st.Tracking().GetActive(ctx, base)
	if err != nil {
		return
	}
	if err := r.st.Tracking().AddRelatedOrder(ctx, entry.ID, brokerOrderID); err != nil {
		logger.WithSymbol(base).Warnf("⚠️  failed to link order to tracking: %v", err)
	}
}
