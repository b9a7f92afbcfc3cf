package trader

import (
	"context"
	"fmt"
	"strings"

	"swingtrader/broker"
	"swingtrader/market"
	"swingtrader/store"
)

// ManualResult lists broker buy orders for a symbol that the ledger does not
// know about.
type ManualResult struct {
	HasManual bool           `json:"has_manual"`
	Orders    []broker.Order `json:"orders"`
}

// ManualMatcher finds orders placed outside the engine.
type ManualMatcher struct {
	st        *store.Store
	gw        broker.Gateway
	tolerance int64
}

// NewManualMatcher creates a matcher. tolerance is the absolute share
// difference under which a manual order counts as the same trade.
func NewManualMatcher(st *store.Store, gw broker.Gateway, tolerance int64) *ManualMatcher {
	if tolerance < 0 {
		tolerance = 0
	}
	return &ManualMatcher{st: st, gw: gw, tolerance: tolerance}
}

// DetectManual returns pending buys for any segment variant of symbol minus
// every broker id already in the ledger.
func (m *ManualMatcher) DetectManual(ctx context.Context, symbol string) (*ManualResult, error) {
	pending, err := m.gw.GetPendingOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending orders: %w", err)
	}
	known, err := m.st.Order().BrokerOrderIDs(ctx)
	if err != nil {
		return nil, err
	}
	variants := market.Variants(symbol)
	res := &ManualResult{}
	for _, o := range pending {
		if o.Side != broker.SideBuy || known[o.OrderID] || !inVariants(o.Symbol, variants) {
			continue
		}
		res.Orders = append(res.Orders, o)
	}
	res.HasManual = len(res.Orders) > 0
	return res, nil
}

// Match picks the manual order that stands in for a buy of intended shares:
// one at least as large, or within tolerance. Among several the closest in
// size wins.
func (m *ManualMatcher) Match(res *ManualResult, intended int64) (broker.Order, bool) {
	var (
		best  broker.Order
		found bool
		gap   int64
	)
	if res == nil {
		return best, false
	}
	for _, o := range res.Orders {
		remaining := o.Quantity - o.FilledQty
		if remaining <= 0 {
			remaining = o.Quantity
		}
		diff := remaining - intended
		if diff < 0 && -diff > m.tolerance {
			continue
		}
		if diff < 0 {
			diff = -diff
		}
		if !found || diff < gap {
			best, gap, found = o, diff, true
		}
	}
	return best, found
}

func inVariants(symbol string, variants []string) bool {
	for _, v := range variants {
		if strings.EqualFold(symbol, v) {
			return true
		}
	}
	return false
}
