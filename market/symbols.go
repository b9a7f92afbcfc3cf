package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Segment suffixes in resolution priority order. BE and BZ are trade-to-trade
// segments where market orders are not accepted.
var segmentSuffixes = []string{"-EQ", "-BE", "-BZ", "-BL"}

var t2tSuffixes = map[string]bool{"-BE": true, "-BZ": true}

// ErrUnknownSymbol is returned when no variant of a ticker is tradable.
var ErrUnknownSymbol = errors.New("unknown symbol")

// BaseSymbol strips an exchange suffix (".NS") and a segment suffix ("-EQ").
func BaseSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, ext := range []string{".NS", ".BO"} {
		s = strings.TrimSuffix(s, ext)
	}
	for _, suf := range segmentSuffixes {
		if strings.HasSuffix(s, suf) {
			return strings.TrimSuffix(s, suf)
		}
	}
	return s
}

// Variants lists every segment form of symbol in priority order.
func Variants(symbol string) []string {
	base := BaseSymbol(symbol)
	out := make([]string, 0, len(segmentSuffixes))
	for _, suf := range segmentSuffixes {
		out = append(out, base+suf)
	}
	return out
}

// IsT2T reports whether symbol trades in a trade-to-trade segment.
func IsT2T(symbol string) bool {
	s := strings.ToUpper(symbol)
	for suf := range t2tSuffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

// SameInstrument reports whether a and b are segment variants of one base.
func SameInstrument(a, b string) bool {
	return BaseSymbol(a) == BaseSymbol(b)
}

// Instrument is a tradable code from the symbol master.
type Instrument struct {
	Symbol   string  `json:"symbol"`
	Token    string  `json:"token"`
	Exchange string  `json:"exchange"`
	TickSize float64 `json:"tick_size"`
}

// Lookup resolves one exact symbol against the broker's symbol master.
// Implementations return ErrUnknownSymbol when it does not exist.
type Lookup interface {
	Lookup(ctx context.Context, symbol string) (*Instrument, error)
}

// Resolve turns a human ticker into a tradable instrument: the ticker as
// given first, then each segment variant in priority order.
func Resolve(ctx context.Context, lookup Lookup, ticker string) (*Instrument, error) {
	candidates := append([]string{strings.ToUpper(strings.TrimSpace(ticker))}, Variants(ticker)...)
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if seen[c] {
			continue
		}
		seen[c] = true
		inst, err := lookup.Lookup(ctx, c)
		if err == nil {
			return inst, nil
		}
		if !errors.Is(err, ErrUnknownSymbol) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, ticker)
}

// LimitPrice prices a protective limit buy at close*(1+premium), rounded up
// to the tick size.
func LimitPrice(close, premium, tick float64) float64 {
	if tick <= 0 {
		tick = 0.05
	}
	raw := decimal.NewFromFloat(close).Mul(decimal.NewFromFloat(1 + premium))
	t := decimal.NewFromFloat(tick)
	ticks := raw.Div(t).Ceil()
	f, _ := ticks.Mul(t).Round(2).Float64()
	return f
}

// StaticLookup is an in-memory symbol master.
type StaticLookup struct {
	mu    sync.RWMutex
	items map[string]*Instrument
}

// NewStaticLookup registers the given symbols with default tick size.
func NewStaticLookup(symbols ...string) *StaticLookup {
	l := &StaticLookup{items: make(map[string]*Instrument)}
	for _, s := range symbols {
		l.Add(&Instrument{Symbol: s, Exchange: "NSE", TickSize: 0.05})
	}
	return l
}

func (l *StaticLookup) Add(inst *Instrument) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[strings.ToUpper(inst.Symbol)] = inst
}

func (l *StaticLookup) Lookup(_ context.Context, symbol string) (*Instrument, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if inst, ok := l.items[strings.ToUpper(symbol)]; ok {
		cp := *inst
		return &cp, nil
	}
	return nil, ErrUnknownSymbol
}

// HTTPLookup queries a symbol-master service:
// GET {base}/instruments?symbol=X -> Instrument JSON, 404 when unknown.
type HTTPLookup struct {
	baseURL string
	client  *http.Client
}

func NewHTTPLookup(baseURL string, timeout time.Duration) *HTTPLookup {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPLookup{baseURL: strings.TrimRight(baseURL, "/"), client: &http.Client{Timeout: timeout}}
}

func (h *HTTPLookup) Lookup(ctx context.Context, symbol string) (*Instrument, error) {
	endpoint := h.baseURL + "/instruments?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("symbol lookup %s: %w", symbol, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrUnknownSymbol
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("symbol lookup %s: %s", symbol, resp.Status)
	}
	var inst Instrument
	if err := json.Unmarshal(body, &inst); err != nil {
		return nil, fmt.Errorf("decode instrument %s: %w", symbol, err)
	}
	if inst.Symbol == "" {
		return nil, ErrUnknownSymbol
	}
	return &inst, nil
}
