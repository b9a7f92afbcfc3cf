// Package broker is the boundary to the retail broker. Everything outside this
// package works with the normalized types below; vendor field names and status
// vocabulary are confined to normalize.go and status.go.
//
// Two implementations exist:
//   - RESTGateway  JSON over HTTP with a TOTP-authenticated session
//   - PaperGateway in-memory book used for dry runs and tests
package broker

import (
	"context"
	"time"
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// PlaceResult is what the broker said about a placement request. OrderID is
// empty when the response did not carry one under any known field name.
type PlaceResult struct {
	OrderID string
	Message string
}

// Order is a normalized broker order book row.
type Order struct {
	OrderID      string
	Symbol       string
	Side         string
	OrderType    string
	Variety      string
	Quantity     int64
	FilledQty    int64
	Price        float64
	AvgPrice     float64
	Status       string // broker's raw status text
	Kind         StatusKind
	RejectReason string
	Tag          string
	PlacedAt     time.Time
}

// Holding is one demat holding line.
type Holding struct {
	Symbol   string
	Quantity int64
	AvgPrice float64
}

// Limits is the account's cash position.
type Limits struct {
	AvailableCash float64
	UsedMargin    float64
}

// Gateway is the broker surface the engine consumes. Every call is a single
// synchronous round trip bounded by ctx.
type Gateway interface {
	PlaceMarketBuy(ctx context.Context, symbol string, qty int64, variety, exchange, product string) (*PlaceResult, error)
	PlaceLimitBuy(ctx context.Context, symbol string, qty int64, price float64, variety, exchange, product string) (*PlaceResult, error)
	PlaceMarketSell(ctx context.Context, symbol string, qty int64, variety, exchange, product string) (*PlaceResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	// CancelPendingBuys cancels every open buy for any of the symbol variants
	// and returns how many were cancelled.
	CancelPendingBuys(ctx context.Context, variants []string) (int, error)
	GetPendingOrders(ctx context.Context) ([]Order, error)
	// GetOrderReport returns the day's orders including terminal ones.
	GetOrderReport(ctx context.Context) ([]Order, error)
	// GetHoldings fails with ErrHoldingsUnavailable when the broker could not
	// produce a trustworthy holdings list.
	GetHoldings(ctx context.Context) ([]Holding, error)
	GetLimits(ctx context.Context) (*Limits, error)
}

type tagKey struct{}

// WithOrderTag attaches a correlation tag that placement calls forward to the
// broker, so an order can be found again if its id is lost.
func WithOrderTag(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, tagKey{}, tag)
}

// OrderTagFrom returns the tag set by WithOrderTag.
func OrderTagFrom(ctx context.Context) string {
	tag, _ := ctx.Value(tagKey{}).(string)
	return tag
}

// HoldingQty sums the quantity held across all variants of a symbol.
func HoldingQty(holdings []Holding, variants []string) int64 {
	want := make(map[string]bool, len(variants))
	for _, v := range variants {
		want[v] = true
	}
	var total int64
	for _, h := range holdings {
		if want[h.Symbol] {
			total += h.Quantity
		}
	}
	return total
}

// FindByID looks an order up in a fetched list.
func FindByID(orders []Order, orderID string) (Order, bool) {
	for _, o := range orders {
		if o.OrderID == orderID {
			return o, true
		}
	}
	return Order{}, false
}
