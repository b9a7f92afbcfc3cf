package broker

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Field aliases seen across the broker's endpoints and API versions.
var (
	orderIDKeys   = []string{"orderid", "order_id", "orderId", "norenordno", "nOrdNo", "uniqueorderid", "id"}
	symbolKeys    = []string{"tradingsymbol", "trading_symbol", "tradingSymbol", "tsym", "symbol"}
	sideKeys      = []string{"transactiontype", "transaction_type", "transactionType", "trantype", "side"}
	statusKeys    = []string{"orderstatus", "order_status", "status", "stat"}
	qtyKeys       = []string{"quantity", "qty", "orderqty"}
	filledKeys    = []string{"filledshares", "filled_quantity", "filledQuantity", "fillshares", "filledqty", "executed_qty"}
	avgPriceKeys  = []string{"averageprice", "average_price", "averagePrice", "avgprc", "avg_price"}
	priceKeys     = []string{"price", "prc", "limit_price"}
	varietyKeys   = []string{"variety", "ordervariety"}
	orderTypeKeys = []string{"ordertype", "order_type", "orderType", "prctyp"}
	reasonKeys    = []string{"text", "rejreason", "status_message", "rejection_reason", "message"}
	tagKeys       = []string{"ordertag", "order_tag", "tag", "remarks"}
	timeKeys      = []string{"updatetime", "exchtime", "order_timestamp", "norentm", "placed_at", "exchorderupdatetime"}
	holdQtyKeys   = []string{"quantity", "holdqty", "qty", "realisedquantity"}
	t1QtyKeys     = []string{"t1quantity", "t1_quantity"}
	cashKeys      = []string{"availablecash", "available_cash", "availableCash", "cash", "net"}
	usedKeys      = []string{"utiliseddebits", "used_margin", "utilised"}
)

var timeLayouts = []string{
	time.RFC3339,
	"02-Jan-2006 15:04:05",
	"2006-01-02 15:04:05",
	"15:04:05 02-01-2006",
	"02/01/2006 15:04:05",
}

// ExtractOrderID finds the broker order id in a placement response. The id may
// sit at the top level or under "data" as an object or a one-element list.
func ExtractOrderID(resp map[string]any) string {
	if id := getString(resp, orderIDKeys...); id != "" {
		return id
	}
	switch data := resp["data"].(type) {
	case map[string]any:
		return getString(data, orderIDKeys...)
	case []any:
		for _, item := range data {
			if m, ok := item.(map[string]any); ok {
				if id := getString(m, orderIDKeys...); id != "" {
					return id
				}
			}
		}
	}
	return ""
}

// ResponseOK reads the envelope's success flag. Bodies without one count as ok.
func ResponseOK(resp map[string]any) (bool, string) {
	msg := getString(resp, "message", "emsg", "error")
	v, present := resp["status"]
	if !present {
		if _, hasErr := resp["error"]; hasErr {
			return false, msg
		}
		return true, msg
	}
	switch s := v.(type) {
	case bool:
		return s, msg
	case string:
		l := strings.ToLower(s)
		return l == "ok" || l == "success" || l == "true", msg
	}
	return true, msg
}

// DataList unwraps {"data": [...]} envelopes. A null or missing data field is
// an empty list; anything else is an error.
func DataList(resp map[string]any) ([]map[string]any, error) {
	raw, ok := resp["data"]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		if m, isMap := raw.(map[string]any); isMap {
			// Some endpoints nest once more: {"data": {"holdings": [...]}}
			for _, key := range []string{"holdings", "orders", "items"} {
				if inner, ok := m[key].([]any); ok {
					items = inner
					break
				}
			}
			if items == nil {
				return nil, fmt.Errorf("data is an object without a list")
			}
		} else {
			return nil, fmt.Errorf("unexpected data type %T", raw)
		}
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// NormalizeOrder converts one order book row.
func NormalizeOrder(m map[string]any) Order {
	o := Order{
		OrderID:   getString(m, orderIDKeys...),
		Symbol:    strings.ToUpper(getString(m, symbolKeys...)),
		Side:      normalizeSide(getString(m, sideKeys...)),
		OrderType: strings.ToUpper(getString(m, orderTypeKeys...)),
		Variety:   strings.ToUpper(getString(m, varietyKeys...)),
		Quantity:  int64(math.Round(getFloat(m, qtyKeys...))),
		FilledQty: int64(math.Round(getFloat(m, filledKeys...))),
		Price:     getFloat(m, priceKeys...),
		AvgPrice:  getFloat(m, avgPriceKeys...),
		Status:    getString(m, statusKeys...),
		Tag:       getString(m, tagKeys...),
		PlacedAt:  getTime(m, timeKeys...),
	}
	o.Kind = ClassifyStatus(o.Status, o.Quantity, o.FilledQty)
	if o.Kind == KindRejected || o.Kind == KindCancelled {
		o.RejectReason = getString(m, reasonKeys...)
	}
	return o
}

// NormalizeHolding converts one holdings row. Unsettled T1 shares count as held.
func NormalizeHolding(m map[string]any) Holding {
	qty := getFloat(m, holdQtyKeys...) + getFloat(m, t1QtyKeys...)
	return Holding{
		Symbol:   strings.ToUpper(getString(m, symbolKeys...)),
		Quantity: int64(math.Round(qty)),
		AvgPrice: getFloat(m, avgPriceKeys...),
	}
}

// NormalizeLimits reads the cash block of a limits response.
func NormalizeLimits(m map[string]any) Limits {
	return Limits{
		AvailableCash: getFloat(m, cashKeys...),
		UsedMargin:    getFloat(m, usedKeys...),
	}
}

func normalizeSide(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "B", "BUY":
		return SideBuy
	case "S", "SELL":
		return SideSell
	}
	return strings.ToUpper(s)
}

func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case json.Number:
			s = t.String()
		case int:
			s = strconv.Itoa(t)
		case int64:
			s = strconv.FormatInt(t, 10)
		default:
			s = fmt.Sprint(t)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func getFloat(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t
		case int:
			return float64(t)
		case int64:
			return float64(t)
		case json.Number:
			if f, err := t.Float64(); err == nil {
				return f
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func getTime(m map[string]any, keys ...string) time.Time {
	raw := getString(m, keys...)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, raw, timeLocation); err == nil {
			return t
		}
	}
	return time.Time{}
}

// timeLocation interprets broker timestamps that carry no zone.
var timeLocation = time.Local

// SetTimeLocation sets the zone used for broker timestamps without offsets.
func SetTimeLocation(loc *time.Location) {
	if loc != nil {
		timeLocation = loc
	}
}
