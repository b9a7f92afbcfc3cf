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

	"golang.org/x/sync/errgroup"
)

// Snapshot is the precomputed indicator set for one ticker.
type Snapshot struct {
	Ticker    string    `json:"ticker"`
	Close     float64   `json:"close"`
	RSI       float64   `json:"rsi"`
	EMAShort  float64   `json:"ema_short"`
	EMALong   float64   `json:"ema_long"`
	AvgVolume float64   `json:"avg_volume"`
	AsOf      time.Time `json:"as_of"`
}

// Validate rejects snapshots that cannot size or evaluate an order.
func (s *Snapshot) Validate() error {
	if s == nil {
		return errors.New("nil snapshot")
	}
	if s.Close <= 0 {
		return fmt.Errorf("snapshot %s: close must be positive", s.Ticker)
	}
	if s.RSI < 0 || s.RSI > 100 {
		return fmt.Errorf("snapshot %s: rsi %.2f out of range", s.Ticker, s.RSI)
	}
	return nil
}

// Source supplies indicator snapshots. Indicator math lives elsewhere.
type Source interface {
	Snapshot(ctx context.Context, ticker string) (*Snapshot, error)
}

// HTTPSource reads snapshots from an indicator service:
// GET {base}/indicators/{ticker} -> Snapshot JSON.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource builds a Source backed by an indicator service.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPSource) Snapshot(ctx context.Context, ticker string) (*Snapshot, error) {
	endpoint := h.baseURL + "/indicators/" + url.PathEscape(ticker)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("indicator request %s: %w", ticker, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("indicator %s: %s: %s", ticker, resp.Status, strings.TrimSpace(string(body)))
	}
	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("decode indicator %s: %w", ticker, err)
	}
	if snap.Ticker == "" {
		snap.Ticker = ticker
	}
	return &snap, snap.Validate()
}

// StaticSource serves fixed snapshots, for paper mode and tests.
type StaticSource struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

func NewStaticSource() *StaticSource {
	return &StaticSource{snaps: make(map[string]*Snapshot)}
}

// Put stores (or replaces) the snapshot for its ticker.
func (s *StaticSource) Put(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.snaps[snap.Ticker] = &cp
}

func (s *StaticSource) Snapshot(_ context.Context, ticker string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[ticker]
	if !ok {
		return nil, fmt.Errorf("no snapshot for %s", ticker)
	}
	cp := *snap
	return &cp, nil
}

// FetchSnapshots fetches tickers in parallel with at most workers requests in
// flight. Per-ticker failures are returned in errs and never cancel the others.
func FetchSnapshots(ctx context.Context, src Source, tickers []string, workers int) (map[string]*Snapshot, map[string]error) {
	if workers <= 0 {
		workers = 1
	}
	var (
		mu    sync.Mutex
		snaps = make(map[string]*Snapshot, len(tickers))
		errs  = make(map[string]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, ticker := range tickers {
		g.Go(func() error {
			snap, err := src.Snapshot(gctx, ticker)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[ticker] = err
				return nil
			}
			snaps[ticker] = snap
			return nil
		})
	}
	_ = g.Wait()
	return snaps, errs
}
