package trader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"swingtrader/broker"
	"swingtrader/market"
	"swingtrader/metrics"
	"swingtrader/store"
)

// Reason is the structured code attached to every admission outcome.
type Reason string

const (
	ReasonPlaced              Reason = "placed"
	ReasonNotBuy              Reason = "not_buy_verdict"
	ReasonNoSnapshot          Reason = "no_snapshot"
	ReasonInvalidQuantity     Reason = "invalid_quantity"
	ReasonCapacity            Reason = "capacity_full"
	ReasonAlreadyHeld         Reason = "already_held"
	ReasonActiveOrder         Reason = "active_order_exists"
	ReasonManualOrder         Reason = "manual_order_exists"
	ReasonBrokerPending       Reason = "broker_pending_order"
	ReasonIlliquid            Reason = "illiquid"
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonUnknownSymbol       Reason = "unknown_symbol"
	ReasonBrokerError         Reason = "broker_error"
	ReasonOrderIDLost         Reason = "order_id_unrecovered"
	ReasonRejected            Reason = "rejected"
	ReasonHoldingsUnavailable Reason = "holdings_unavailable"
	ReasonManualAdopted       Reason = "manual_order_adopted"
	ReasonRetryExpired        Reason = "retry_expired"
	ReasonReplaced            Reason = "replaced_by_new_order"
)

// Attempt outcomes.
const (
	OutcomePlaced  = "placed"
	OutcomeSkipped = "skipped"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
	OutcomeAdopted = "adopted"
	OutcomeExpired = "expired"
)

// Recommendation is one row of the external signal list.
type Recommendation struct {
	Ticker  string `json:"ticker" binding:"required"`
	Verdict string `json:"verdict"`
}

// IsBuy accepts "buy" and "strong_buy" (any case). An empty verdict counts
// as buy.
func (r Recommendation) IsBuy() bool {
	v := strings.ToLower(strings.TrimSpace(r.Verdict))
	return v == "" || v == "buy" || v == "strong_buy" || v == "strong buy"
}

// Attempt is the per-ticker result of an admission run.
type Attempt struct {
	Ticker        string `json:"ticker"`
	BaseSymbol    string `json:"base_symbol"`
	Symbol        string `json:"symbol,omitempty"`
	Placed        bool   `json:"placed"`
	Outcome       string `json:"outcome"`
	Reason        Reason `json:"reason"`
	Detail        string `json:"detail,omitempty"`
	OrderID       int64  `json:"order_id,omitempty"`
	BrokerOrderID string `json:"broker_order_id,omitempty"`
	Status        string `json:"status,omitempty"`
	Quantity      int64  `json:"quantity,omitempty"`
}

func (a *Attempt) skip(reason Reason, detail string) *Attempt {
	a.Outcome, a.Reason, a.Detail = OutcomeSkipped, reason, detail
	return a
}

func (a *Attempt) fail(reason Reason, err error) *Attempt {
	a.Outcome, a.Reason = OutcomeFailed, reason
	if err != nil {
		a.Detail = err.Error()
	}
	return a
}

func (a *Attempt) record() store.Attempt {
	detail := string(a.Reason)
	if a.Detail != "" {
		detail += ": " + a.Detail
	}
	return store.Attempt{
		Ticker:     a.Ticker,
		BaseSymbol: a.BaseSymbol,
		Outcome:    a.Outcome,
		Reason:     detail,
		OrderID:    a.OrderID,
	}
}

// BatchSummary collects the attempts of one placement or retry run.
type BatchSummary struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"` // entry | retry
	StartedAt time.Time  `json:"started_at"`
	Attempts  []*Attempt `json:"attempts"`
	Placed    int        `json:"placed"`
	Skipped   int        `json:"skipped"`
	Aborted   bool       `json:"aborted"`
	Error     string     `json:"error,omitempty"`
}

func (b *BatchSummary) add(a *Attempt) {
	b.Attempts = append(b.Attempts, a)
	if a.Placed {
		b.Placed++
		return
	}
	b.Skipped++
	metrics.AdmissionSkips.WithLabelValues(string(a.Reason)).Inc()
}

func (b *BatchSummary) persist(ctx context.Context, st *store.Store) error {
	rows := make([]store.Attempt, 0, len(b.Attempts))
	for _, a := range b.Attempts {
		rows = append(rows, a.record())
	}
	return st.Attempts().Record(ctx, b.ID, rows)
}

// quantityFor sizes a trade from per-trade capital.
func quantityFor(capital, price float64) int64 {
	if price <= 0 || capital <= 0 {
		return 0
	}
	return decimal.NewFromFloat(capital).Div(decimal.NewFromFloat(price)).Floor().IntPart()
}

// samePrice compares reference prices at paise precision.
func samePrice(a, b float64) bool {
	return math.Abs(a-b) < 0.005
}

// checkCapacity counts tracked symbols plus symbols with a live buy, not
// counting base itself.
func (s *PlacementService) checkCapacity(ctx context.Context, base string) (Reason, error) {
	max := s.params.Strategy.MaxPositions
	if max <= 0 {
		return "", nil
	}
	symbols := make(map[string]bool)
	entries, err := s.st.Tracking().ListActive(ctx)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		symbols[e.BaseSymbol] = true
	}
	active, err := s.st.Order().ActiveBuySymbols(ctx)
	if err != nil {
		return "", err
	}
	for _, sym := range active {
		symbols[sym] = true
	}
	delete(symbols, base)
	if len(symbols) >= max {
		return ReasonCapacity, nil
	}
	return "", nil
}

// checkDuplicate rejects symbols already held or already being bought. An
// own live order whose quantity or reference price drifted is cancelled so a
// replacement can be created.
func (s *PlacementService) checkDuplicate(ctx context.Context, base string, qty int64, snap *market.Snapshot, holdings []broker.Holding) (Reason, string, error) {
	if held := broker.HoldingQty(holdings, market.Variants(base)); held > 0 {
		return ReasonAlreadyHeld, fmt.Sprintf("broker holds %d", held), nil
	}
	if _, err := s.st.Position().GetOpen(ctx, base); err == nil {
		return ReasonAlreadyHeld, "open position", nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", "", err
	}

	active, err := s.st.Order().ActiveBuy(ctx, base)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return "", "", err
	default:
		if active.Quantity == qty && samePrice(active.RefPrice, snap.Close) {
			return ReasonActiveOrder, fmt.Sprintf("order %d is %s", active.ID, active.Status), nil
		}
		if active.FilledQty > 0 {
			return ReasonActiveOrder, fmt.Sprintf("order %d partially filled", active.ID), nil
		}
		if err := s.cancelForReplace(ctx, active); err != nil {
			return ReasonActiveOrder, err.Error(), nil
		}
	}

	res, err := s.manual.DetectManual(ctx, base)
	if err != nil {
		return "", "", err
	}
	if res.HasManual {
		if mo, ok := s.manual.Match(res, qty); ok {
			return ReasonManualOrder, fmt.Sprintf("broker order %s qty=%d", mo.OrderID, mo.Quantity), nil
		}
		return ReasonBrokerPending, fmt.Sprintf("%d pending buy(s) at broker", len(res.Orders)), nil
	}
	return "", "", nil
}

// cancelForReplace retires a live order whose parameters no longer match.
func (s *PlacementService) cancelForReplace(ctx context.Context, o *store.Order) error {
	if o.BrokerOrderID != "" {
		if err := s.gw.CancelOrder(ctx, o.BrokerOrderID); err != nil {
			return fmt.Errorf("cancel of drifted order %d failed: %w", o.ID, err)
		}
	}
	if _, err := s.st.Order().Transition(ctx, o.ID, store.StatusCancelled, store.ReasonParameterUpdate, nil); err != nil {
		return err
	}
	if o.Status == store.StatusRetryPending {
		if err := s.st.Retry().Resolve(ctx, o.ID, store.RetryResolved); err != nil {
			return err
		}
	}
	return nil
}

// liquid checks qty / avg_volume against the price-tier ceiling.
func (s *PlacementService) liquid(qty int64, snap *market.Snapshot) (bool, string) {
	if snap.AvgVolume <= 0 {
		return false, "no average volume"
	}
	ratio, _ := decimal.NewFromInt(qty).Div(decimal.NewFromFloat(snap.AvgVolume)).Float64()
	ceiling := s.params.Strategy.MaxRatioFor(snap.Close)
	if ratio > ceiling {
		return false, fmt.Sprintf("qty/avg_volume %.4f > %.4f", ratio, ceiling)
	}
	return true, ""
}

// requiredCash is the capital a buy of qty at price needs.
func requiredCash(qty int64, price float64) float64 {
	f, _ := decimal.NewFromInt(qty).Mul(decimal.NewFromFloat(price)).Round(2).Float64()
	return f
}
