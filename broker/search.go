package broker

import (
	"context"
	"strings"
	"time"
)

// OrderQuery describes an order whose id was lost in the placement response.
type OrderQuery struct {
	Variants []string
	Side     string
	Quantity int64
	Tag      string
	Since    time.Time // placement time; rows without a timestamp still match
	Window   time.Duration
}

func (q OrderQuery) matches(o Order) bool {
	if q.Tag != "" && o.Tag != "" {
		return strings.EqualFold(q.Tag, o.Tag)
	}
	if o.Side != q.Side || o.Quantity != q.Quantity {
		return false
	}
	found := false
	for _, v := range q.Variants {
		if strings.EqualFold(v, o.Symbol) {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if o.PlacedAt.IsZero() || q.Since.IsZero() {
		return true
	}
	from := q.Since.Add(-q.Window)
	to := q.Since.Add(q.Window)
	return !o.PlacedAt.Before(from) && !o.PlacedAt.After(to)
}

// FindRecentOrder searches the live book, then the day's report, for an order
// matching q. Excluded ids (already known to the ledger) are skipped. The most
// recently placed match wins.
func FindRecentOrder(ctx context.Context, g Gateway, q OrderQuery, exclude map[string]bool) (*Order, error) {
	if q.Window <= 0 {
		q.Window = 5 * time.Minute
	}
	pending, err := g.GetPendingOrders(ctx)
	if err != nil {
		return nil, err
	}
	if o := bestMatch(pending, q, exclude); o != nil {
		return o, nil
	}
	report, err := g.GetOrderReport(ctx)
	if err != nil {
		return nil, err
	}
	return bestMatch(report, q, exclude), nil
}

func bestMatch(orders []Order, q OrderQuery, exclude map[string]bool) *Order {
	var best *Order
	for i := range orders {
		o := orders[i]
		if exclude[o.OrderID] || !q.matches(o) {
			continue
		}
		if best == nil || o.PlacedAt.After(best.PlacedAt) {
			best = &o
		}
	}
	return best
}
