package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSourceSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/indicators/TCS":
			_, _ = w.Write([]byte(`{"close": 3500.5, "rsi": 24.1, "ema_short": 3600, "ema_long": 3400, "avg_volume": 120000}`))
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, time.Second)
	snap, err := src.Snapshot(context.Background(), "TCS")
	require.NoError(t, err)
	assert.Equal(t, "TCS", snap.Ticker)
	assert.Equal(t, 3500.5, snap.Close)
	assert.Equal(t, 24.1, snap.RSI)

	_, err = src.Snapshot(context.Background(), "INFY")
	assert.Error(t, err)
}

type countingSource struct {
	inFlight, peak atomic.Int32
}

func (c *countingSource) Snapshot(ctx context.Context, ticker string) (*Snapshot, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	if ticker == "BAD" {
		return nil, assert.AnError
	}
	return &Snapshot{Ticker: ticker, Close: 10, RSI: 25}, nil
}

func TestFetchSnapshotsBoundsConcurrency(t *testing.T) {
	src := &countingSource{}
	tickers := []string{"A", "B", "C", "D", "E", "F", "BAD", "G"}

	snaps, errs := FetchSnapshots(context.Background(), src, tickers, 3)

	assert.Len(t, snaps, 7)
	assert.Len(t, errs, 1)
	assert.Contains(t, errs, "BAD")
	assert.LessOrEqual(t, src.peak.Load(), int32(3))
}

func TestManualClockAfter(t *testing.T) {
	start := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	ch := c.After(time.Minute)

	c.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	assert.Equal(t, 1, c.Waiters())

	c.Advance(30 * time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, start.Add(time.Minute), got)
	default:
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, 0, c.Waiters())
}
