package trader

import (
	"context"
	"errors"
	"fmt"

	"swingtrader/logger"
	"swingtrader/market"
	"swingtrader/store"
)

// FillHandler folds settled orders into positions and the tracking scope.
type FillHandler struct {
	st    *store.Store
	sess  *market.Session
	clock market.Clock
}

func NewFillHandler(st *store.Store, sess *market.Session, clock market.Clock) *FillHandler {
	return &FillHandler{st: st, sess: sess, clock: clock}
}

// OnExecuted records a fully executed order.
func (h *FillHandler) OnExecuted(ctx context.Context, o *store.Order) error {
	qty := o.FilledQty
	if qty <= 0 {
		qty = o.Quantity
	}
	return h.applyFill(ctx, o, qty)
}

// OnUnfilled handles an order that ended without executing: rejected,
// cancelled, failed or closed. A partial fill before cancellation still
// counts for the filled shares.
func (h *FillHandler) OnUnfilled(ctx context.Context, o *store.Order) error {
	if o.FilledQty > 0 {
		return h.applyFill(ctx, o, o.FilledQty)
	}
	switch o.Purpose {
	case store.PurposeReentry:
		// rung stays taken; only the provisional fill goes
		return h.st.Position().RemoveFill(ctx, o.ID)
	case store.PurposeEntry:
		return h.releaseTracking(ctx, o.BaseSymbol)
	}
	return nil
}

func (h *FillHandler) fillPrice(o *store.Order) float64 {
	switch {
	case o.AvgPrice > 0:
		return o.AvgPrice
	case o.Price > 0:
		return o.Price
	default:
		return o.RefPrice
	}
}

func (h *FillHandler) applyFill(ctx context.Context, o *store.Order, qty int64) error {
	at := o.ExecutedAt
	if at.IsZero() {
		at = h.clock.Now()
	}
	price := h.fillPrice(o)
	log := logger.WithSymbol(o.BaseSymbol)

	switch o.Purpose {
	case store.PurposeEntry:
		pos := &store.Position{
			Symbol:     o.Symbol,
			BaseSymbol: o.BaseSymbol,
			Ticker:     o.Ticker,
			Levels:     store.Levels{L30: true},
		}
		err := h.st.Position().Open(ctx, pos, store.Fill{
			OrderID:  o.ID,
			Date:     h.sess.Day(at),
			Price:    price,
			Quantity: qty,
			Rung:     store.Rung30,
			FilledAt: at,
		})
		if errors.Is(err, store.ErrPositionExists) {
			log.Warnf("⚠️  entry order %d filled while a position is open", o.ID)
		} else if err != nil {
			return err
		} else {
			log.Infof("📈 position opened: %d @ %.2f", qty, price)
		}
		return h.track(ctx, o, qty)

	case store.PurposeReentry:
		if err := h.st.Position().UpdateFillPrice(ctx, o.ID, price, qty); err != nil {
			return fmt.Errorf("failed to refine re-entry fill: %w", err)
		}
		return h.track(ctx, o, qty)

	case store.PurposeExit:
		pos, err := h.st.Position().GetOpen(ctx, o.BaseSymbol)
		if err == nil {
			if err := h.st.Position().Close(ctx, pos.ID, price, o.ID, "exit signal"); err != nil {
				return err
			}
			log.Infof("📉 position closed: %d @ %.2f", qty, price)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return h.track(ctx, o, -qty)
	}
	return nil
}

// track applies a quantity change to the symbol's tracking entry. Buys
// create the entry when missing; an entry that drops to zero completes.
func (h *FillHandler) track(ctx context.Context, o *store.Order, delta int64) error {
	tracking := h.st.Tracking()
	var (
		entry *store.TrackingEntry
		err   error
	)
	if delta > 0 {
		entry, err = tracking.Activate(ctx, o.BaseSymbol, o.Symbol, o.Ticker, 0)
	} else {
		entry, err = tracking.GetActive(ctx, o.BaseSymbol)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
	}
	if err != nil {
		return err
	}
	if err := tracking.AddRelatedOrder(ctx, entry.ID, o.BrokerOrderID); err != nil {
		return err
	}
	if err := tracking.AdjustQty(ctx, entry.ID, delta); err != nil {
		return err
	}
	if delta < 0 && entry.CurrentTrackedQty+delta <= 0 {
		return tracking.Complete(ctx, entry.ID)
	}
	return nil
}

// releaseTracking completes an entry that never received shares once its
// last live buy is gone.
func (h *FillHandler) releaseTracking(ctx context.Context, base string) error {
	entry, err := h.st.Tracking().GetActive(ctx, base)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if entry.CurrentTrackedQty > 0 {
		return nil
	}
	if _, err := h.st.Order().ActiveBuy(ctx, base); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if _, err := h.st.Position().GetOpen(ctx, base); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return h.st.Tracking().Complete(ctx, entry.ID)
}
