package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// PaperConfig configures PaperGateway.
type PaperConfig struct {
	Cash float64
	// AutoFill completes regular market orders at the last set price as soon
	// as they are placed. AMO and limit orders always rest until filled.
	AutoFill bool
	Now      func() time.Time
}

// PaperGateway is an in-memory broker. It is safe for concurrent use and
// exposes controls that let tests script broker behaviour.
type PaperGateway struct {
	mu       sync.Mutex
	cfg      PaperConfig
	cash     float64
	seq      int
	orders   []*Order
	byID     map[string]*Order
	holdings map[string]*Holding
	prices   map[string]float64

	failNextPlace error
	omitIDs       bool
	holdingsErr   error
	ordersErr     error
	placeCalls    int
}

// NewPaperGateway creates an empty paper account.
func NewPaperGateway(cfg PaperConfig) *PaperGateway {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &PaperGateway{
		cfg:      cfg,
		cash:     cfg.Cash,
		byID:     make(map[string]*Order),
		holdings: make(map[string]*Holding),
		prices:   make(map[string]float64),
	}
}

func (p *PaperGateway) nextID() string {
	p.seq++
	return fmt.Sprintf("P%06d", p.seq)
}

func (p *PaperGateway) add(o *Order) {
	o.Kind = ClassifyStatus(o.Status, o.Quantity, o.FilledQty)
	p.orders = append(p.orders, o)
	p.byID[o.OrderID] = o
}

func (p *PaperGateway) place(ctx context.Context, side, orderType, symbol string, qty int64, price float64, variety string) (*PlaceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placeCalls++

	if err := p.failNextPlace; err != nil {
		p.failNextPlace = nil
		return nil, err
	}
	if qty <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrRejected)
	}

	symbol = strings.ToUpper(symbol)
	o := &Order{
		OrderID:   p.nextID(),
		Symbol:    symbol,
		Side:      side,
		OrderType: orderType,
		Variety:   variety,
		Quantity:  qty,
		Price:     price,
		Status:    "open",
		Tag:       OrderTagFrom(ctx),
		PlacedAt:  p.cfg.Now(),
	}
	if variety == "AMO" {
		o.Status = "after market order req received"
	}
	if side == SideSell {
		if h := p.holdings[symbol]; h == nil || h.Quantity < qty {
			o.Status = "rejected"
			o.RejectReason = "insufficient holdings"
		}
	}
	p.add(o)

	if p.cfg.AutoFill && o.Status == "open" && orderType == OrderTypeMarket {
		p.fillLocked(o, o.Quantity, p.prices[symbol])
	}

	res := &PlaceResult{OrderID: o.OrderID, Message: "SUCCESS"}
	if p.omitIDs {
		res.OrderID = ""
	}
	return res, nil
}

func (p *PaperGateway) PlaceMarketBuy(ctx context.Context, symbol string, qty int64, variety, _, _ string) (*PlaceResult, error) {
	return p.place(ctx, SideBuy, OrderTypeMarket, symbol, qty, 0, variety)
}

func (p *PaperGateway) PlaceLimitBuy(ctx context.Context, symbol string, qty int64, price float64, variety, _, _ string) (*PlaceResult, error) {
	return p.place(ctx, SideBuy, OrderTypeLimit, symbol, qty, price, variety)
}

func (p *PaperGateway) PlaceMarketSell(ctx context.Context, symbol string, qty int64, variety, _, _ string) (*PlaceResult, error) {
	return p.place(ctx, SideSell, OrderTypeMarket, symbol, qty, 0, variety)
}

func (p *PaperGateway) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.byID[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s not found", ErrRejected, orderID)
	}
	if o.Kind.Terminal() {
		return fmt.Errorf("%w: order %s is %s", ErrRejected, orderID, o.Status)
	}
	p.setStatusLocked(o, "cancelled")
	return nil
}

func (p *PaperGateway) CancelPendingBuys(ctx context.Context, variants []string) (int, error) {
	return cancelPendingBuys(ctx, p, variants)
}

func (p *PaperGateway) GetPendingOrders(ctx context.Context) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ordersErr != nil {
		return nil, p.ordersErr
	}
	var out []Order
	for _, o := range p.orders {
		if o.Kind == KindPending || o.Kind == KindPartial {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (p *PaperGateway) GetOrderReport(ctx context.Context) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ordersErr != nil {
		return nil, p.ordersErr
	}
	out := make([]Order, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, *o)
	}
	return out, nil
}

func (p *PaperGateway) GetHoldings(ctx context.Context) ([]Holding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holdingsErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrHoldingsUnavailable, p.holdingsErr)
	}
	out := make([]Holding, 0, len(p.holdings))
	for _, h := range p.holdings {
		if h.Quantity > 0 {
			out = append(out, *h)
		}
	}
	return out, nil
}

func (p *PaperGateway) GetLimits(ctx context.Context) (*Limits, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Limits{AvailableCash: p.cash}, nil
}

func (p *PaperGateway) setStatusLocked(o *Order, status string) {
	o.Status = status
	o.Kind = ClassifyStatus(status, o.Quantity, o.FilledQty)
}

func (p *PaperGateway) fillLocked(o *Order, qty int64, price float64) {
	if price <= 0 {
		price = o.Price
	}
	if qty > o.Quantity-o.FilledQty {
		qty = o.Quantity - o.FilledQty
	}
	prevCost := o.AvgPrice * float64(o.FilledQty)
	o.FilledQty += qty
	if o.FilledQty > 0 {
		o.AvgPrice = (prevCost + price*float64(qty)) / float64(o.FilledQty)
	}

	h := p.holdings[o.Symbol]
	if h == nil {
		h = &Holding{Symbol: o.Symbol}
		p.holdings[o.Symbol] = h
	}
	switch o.Side {
	case SideBuy:
		cost := h.AvgPrice*float64(h.Quantity) + price*float64(qty)
		h.Quantity += qty
		if h.Quantity > 0 {
			h.AvgPrice = cost / float64(h.Quantity)
		}
		p.cash -= price * float64(qty)
	case SideSell:
		h.Quantity -= qty
		p.cash += price * float64(qty)
	}

	if o.FilledQty >= o.Quantity {
		p.setStatusLocked(o, "complete")
	} else {
		p.setStatusLocked(o, "open")
	}
}

// ---- test and dry-run controls ----

// SetPrice sets the price market orders fill at.
func (p *PaperGateway) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[strings.ToUpper(symbol)] = price
}

// SetCash overrides available cash.
func (p *PaperGateway) SetCash(cash float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = cash
}

// SetHolding overrides the holding for symbol. Quantity 0 removes it.
func (p *PaperGateway) SetHolding(symbol string, qty int64, avgPrice float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	if qty <= 0 {
		delete(p.holdings, symbol)
		return
	}
	p.holdings[symbol] = &Holding{Symbol: symbol, Quantity: qty, AvgPrice: avgPrice}
}

// Fill completes the remaining quantity of an order at price.
func (p *PaperGateway) Fill(orderID string, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.byID[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	p.fillLocked(o, o.Quantity-o.FilledQty, price)
	return nil
}

// PartialFill fills qty shares of an order.
func (p *PaperGateway) PartialFill(orderID string, qty int64, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.byID[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	p.fillLocked(o, qty, price)
	return nil
}

// Reject marks an order rejected with reason.
func (p *PaperGateway) Reject(orderID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.byID[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	o.RejectReason = reason
	p.setStatusLocked(o, "rejected")
	return nil
}

// SetRawStatus sets arbitrary broker status text on an order.
func (p *PaperGateway) SetRawStatus(orderID, status string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.byID[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	p.setStatusLocked(o, status)
	return nil
}

// Forget removes an order from both the live book and the report, as if the
// broker purged it.
func (p *PaperGateway) Forget(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byID, orderID)
	kept := p.orders[:0]
	for _, o := range p.orders {
		if o.OrderID != orderID {
			kept = append(kept, o)
		}
	}
	p.orders = kept
}

// AddExternalOrder books an order placed outside the engine (a manual order)
// and returns its id.
func (p *PaperGateway) AddExternalOrder(symbol, side string, qty int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	o := &Order{
		OrderID:   p.nextID(),
		Symbol:    strings.ToUpper(symbol),
		Side:      side,
		OrderType: OrderTypeMarket,
		Variety:   "REGULAR",
		Quantity:  qty,
		Status:    "open",
		PlacedAt:  p.cfg.Now(),
	}
	p.add(o)
	return o.OrderID
}

// FailNextPlace makes the next placement call return err.
func (p *PaperGateway) FailNextPlace(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNextPlace = err
}

// OmitOrderIDs makes placement responses come back without an id while the
// order is still booked.
func (p *PaperGateway) OmitOrderIDs(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDs = omit
}

// SetHoldingsError makes GetHoldings fail until cleared with nil.
func (p *PaperGateway) SetHoldingsError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdingsErr = err
}

// SetOrdersError makes order book calls fail until cleared with nil.
func (p *PaperGateway) SetOrdersError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ordersErr = err
}

// PlaceCalls counts placement requests received.
func (p *PaperGateway) PlaceCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.placeCalls
}

// Order returns a copy of one booked order.
func (p *PaperGateway) Order(orderID string) (Order, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.byID[orderID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}
