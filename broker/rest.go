package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"swingtrader/logger"

	"golang.org/x/time/rate"
)

// RESTConfig configures RESTGateway.
type RESTConfig struct {
	BaseURL     string
	UserID      string
	Password    string
	TOTPSecret  string
	APIKey      string
	Timeout     time.Duration
	RateLimit   float64 // requests per second, 0 means unlimited
	ReloginWait time.Duration
}

// RESTGateway talks to the broker's JSON API.
//
//	POST   /auth/login               {user_id,password,totp} -> {data:{token}}
//	POST   /orders                   place
//	DELETE /orders/{id}              cancel
//	GET    /orders                   live order book
//	GET    /orders/report            the day's orders including terminal ones
//	GET    /portfolio/holdings       {data:[holding]}
//	GET    /user/limits              {data:{cash fields}}
type RESTGateway struct {
	cfg     RESTConfig
	client  *http.Client
	limiter *rate.Limiter
	session *Session
}

// NewRESTGateway builds a gateway with its own session.
func NewRESTGateway(cfg RESTConfig) *RESTGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}
	g := &RESTGateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
	g.session = NewSession(g.login, cfg.ReloginWait)
	return g
}

// Session exposes the shared session, mainly for tests.
func (g *RESTGateway) Session() *Session { return g.session }

func (g *RESTGateway) login(ctx context.Context) (string, error) {
	code := ""
	if g.cfg.TOTPSecret != "" {
		var err error
		if code, err = TOTPCode(g.cfg.TOTPSecret, time.Now()); err != nil {
			return "", err
		}
	}
	payload := map[string]any{
		"user_id":  g.cfg.UserID,
		"password": g.cfg.Password,
		"totp":     code,
	}
	resp, err := g.roundTrip(ctx, http.MethodPost, "/auth/login", "", payload)
	if err != nil {
		return "", err
	}
	token := getString(resp, "token", "jwtToken", "access_token")
	if token == "" {
		if data, ok := resp["data"].(map[string]any); ok {
			token = getString(data, "token", "jwtToken", "access_token")
		}
	}
	if token == "" {
		return "", fmt.Errorf("%w: login response has no token", ErrRejected)
	}
	return token, nil
}

// call performs an authenticated request with one re-login retry.
func (g *RESTGateway) call(ctx context.Context, method, path string, body any) (map[string]any, error) {
	var out map[string]any
	err := g.session.Do(ctx, func(token string) error {
		resp, err := g.roundTrip(ctx, method, path, token, body)
		out = resp
		return err
	})
	return out, err
}

func (g *RESTGateway) roundTrip(ctx context.Context, method, path, token string, body any) (map[string]any, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if g.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", g.cfg.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, transientf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s %s: %s", ErrAuthExpired, method, path, resp.Status)
	case resp.StatusCode >= 500:
		return nil, transientf("%s %s: %s", method, path, resp.Status)
	}

	var decoded map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		// a bare list is a valid body for list endpoints
		var list []any
		if jerr := json.Unmarshal(raw, &list); jerr == nil {
			return map[string]any{"data": list}, nil
		}
		return nil, transientf("%s %s: undecodable body: %v", method, path, err)
	}

	if resp.StatusCode >= 300 {
		_, msg := ResponseOK(decoded)
		return decoded, fmt.Errorf("%w: %s %s: %s %s", ErrRejected, method, path, resp.Status, msg)
	}
	if ok, msg := ResponseOK(decoded); !ok {
		if isSessionMessage(msg) {
			return nil, fmt.Errorf("%w: %s", ErrAuthExpired, msg)
		}
		return decoded, fmt.Errorf("%w: %s %s: %s", ErrRejected, method, path, msg)
	}
	return decoded, nil
}

func isSessionMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "invalid token") || strings.Contains(m, "session expired") || strings.Contains(m, "token expired")
}

func (g *RESTGateway) place(ctx context.Context, side, orderType, symbol string, qty int64, price float64, variety, exchange, product string) (*PlaceResult, error) {
	payload := map[string]any{
		"tradingsymbol":   symbol,
		"transactiontype": side,
		"ordertype":       orderType,
		"quantity":        qty,
		"price":           price,
		"variety":         variety,
		"exchange":        exchange,
		"producttype":     product,
		"duration":        "DAY",
	}
	if tag := OrderTagFrom(ctx); tag != "" {
		payload["ordertag"] = tag
	}
	resp, err := g.call(ctx, http.MethodPost, "/orders", payload)
	if err != nil {
		return nil, err
	}
	_, msg := ResponseOK(resp)
	res := &PlaceResult{OrderID: ExtractOrderID(resp), Message: msg}
	logger.WithSymbol(symbol).Debugf("place %s %s qty=%d -> id=%q", side, orderType, qty, res.OrderID)
	return res, nil
}

func (g *RESTGateway) PlaceMarketBuy(ctx context.Context, symbol string, qty int64, variety, exchange, product string) (*PlaceResult, error) {
	return g.place(ctx, SideBuy, OrderTypeMarket, symbol, qty, 0, variety, exchange, product)
}

func (g *RESTGateway) PlaceLimitBuy(ctx context.Context, symbol string, qty int64, price float64, variety, exchange, product string) (*PlaceResult, error) {
	return g.place(ctx, SideBuy, OrderTypeLimit, symbol, qty, price, variety, exchange, product)
}

func (g *RESTGateway) PlaceMarketSell(ctx context.Context, symbol string, qty int64, variety, exchange, product string) (*PlaceResult, error) {
	return g.place(ctx, SideSell, OrderTypeMarket, symbol, qty, 0, variety, exchange, product)
}

func (g *RESTGateway) CancelOrder(ctx context.Context, orderID string) error {
	_, err := g.call(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil)
	return err
}

func (g *RESTGateway) CancelPendingBuys(ctx context.Context, variants []string) (int, error) {
	return cancelPendingBuys(ctx, g, variants)
}

func (g *RESTGateway) listOrders(ctx context.Context, path string) ([]Order, error) {
	resp, err := g.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	rows, err := DataList(resp)
	if err != nil {
		return nil, transientf("%s: %v", path, err)
	}
	orders := make([]Order, 0, len(rows))
	for _, row := range rows {
		if o := NormalizeOrder(row); o.OrderID != "" {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

func (g *RESTGateway) GetPendingOrders(ctx context.Context) ([]Order, error) {
	all, err := g.listOrders(ctx, "/orders")
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, o := range all {
		if o.Kind == KindPending || o.Kind == KindPartial {
			pending = append(pending, o)
		}
	}
	return pending, nil
}

func (g *RESTGateway) GetOrderReport(ctx context.Context) ([]Order, error) {
	return g.listOrders(ctx, "/orders/report")
}

func (g *RESTGateway) GetHoldings(ctx context.Context) ([]Holding, error) {
	resp, err := g.call(ctx, http.MethodGet, "/portfolio/holdings", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHoldingsUnavailable, err)
	}
	rows, err := DataList(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHoldingsUnavailable, err)
	}
	holdings := make([]Holding, 0, len(rows))
	for _, row := range rows {
		if h := NormalizeHolding(row); h.Symbol != "" {
			holdings = append(holdings, h)
		}
	}
	return holdings, nil
}

func (g *RESTGateway) GetLimits(ctx context.Context) (*Limits, error) {
	resp, err := g.call(ctx, http.MethodGet, "/user/limits", nil)
	if err != nil {
		return nil, err
	}
	data, ok := resp["data"].(map[string]any)
	if !ok {
		return nil, transientf("limits: missing data object")
	}
	limits := NormalizeLimits(data)
	return &limits, nil
}

// cancelPendingBuys is shared by gateways whose cancel is per order.
func cancelPendingBuys(ctx context.Context, g Gateway, variants []string) (int, error) {
	pending, err := g.GetPendingOrders(ctx)
	if err != nil {
		return 0, err
	}
	want := make(map[string]bool, len(variants))
	for _, v := range variants {
		want[strings.ToUpper(v)] = true
	}
	var (
		count int
		errs  []error
	)
	for _, o := range pending {
		if o.Side != SideBuy || !want[o.Symbol] {
			continue
		}
		if err := g.CancelOrder(ctx, o.OrderID); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", o.OrderID, err))
			continue
		}
		count++
	}
	return count, errors.Join(errs...)
}
