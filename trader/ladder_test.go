package trader

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"swingtrader/config"
	"swingtrader/market"
	"swingtrader/store"
)

func TestDecide(t *testing.T) {
	cfg := config.Strategy{RSITop: 30, RSIMid: 20, RSILow: 10, RSIExit: 50, DailyReentryCap: 1}
	const today = "2026-03-02"
	reentryOn := func(day string) []store.Fill {
		return []store.Fill{{Kind: store.FillReentry, Date: day, Rung: store.Rung20}}
	}

	tests := []struct {
		name      string
		pos       store.Position
		close     float64
		rsi       float64
		ema       float64
		action    Action
		rung      int
		levels    store.Levels
		reset     bool
		reasonHas string
	}{
		{
			name: "close above ema exits", pos: store.Position{Levels: store.Levels{L30: true}},
			close: 105, rsi: 25, ema: 100, action: ActionExit, levels: store.Levels{L30: true},
		},
		{
			name: "rsi above exit level exits", pos: store.Position{Levels: store.Levels{L30: true}},
			close: 90, rsi: 55, ema: 100, action: ActionExit, levels: store.Levels{L30: true},
		},
		{
			name: "no ema means rsi rules only", pos: store.Position{Levels: store.Levels{L30: true}},
			close: 90, rsi: 19, ema: 0, action: ActionReenter, rung: store.Rung20, levels: store.Levels{L30: true},
		},
		{
			name: "rsi between mid and top holds", pos: store.Position{Levels: store.Levels{L30: true}},
			close: 90, rsi: 25, ema: 100, action: ActionHold, levels: store.Levels{L30: true},
		},
		{
			name: "rung 20 after 30", pos: store.Position{Levels: store.Levels{L30: true}},
			close: 90, rsi: 18, ema: 100, action: ActionReenter, rung: store.Rung20, levels: store.Levels{L30: true},
		},
		{
			name: "deep rsi still takes 20 before 10", pos: store.Position{Levels: store.Levels{L30: true}},
			close: 90, rsi: 5, ema: 100, action: ActionReenter, rung: store.Rung20, levels: store.Levels{L30: true},
		},
		{
			name: "rung 10 after 20", pos: store.Position{Levels: store.Levels{L30: true, L20: true}},
			close: 90, rsi: 9, ema: 100, action: ActionReenter, rung: store.Rung10, levels: store.Levels{L30: true, L20: true},
		},
		{
			name: "all rungs taken holds", pos: store.Position{Levels: store.Levels{L30: true, L20: true, L10: true}},
			close: 90, rsi: 3, ema: 100, action: ActionHold, levels: store.Levels{L30: true, L20: true, L10: true},
		},
		{
			name: "rsi above top arms reset", pos: store.Position{Levels: store.Levels{L30: true, L20: true}},
			close: 90, rsi: 35, ema: 100, action: ActionHold, levels: store.Levels{L30: true, L20: true}, reset: true,
			reasonHas: "armed",
		},
		{
			name: "reset consumed below top", pos: store.Position{Levels: store.Levels{L30: true, L20: true}, ResetReady: true},
			close: 90, rsi: 28, ema: 100, action: ActionReenter, rung: store.Rung30, levels: store.Levels{},
			reasonHas: "reset consumed",
		},
		{
			name: "daily cap blocks but keeps state", pos: store.Position{Levels: store.Levels{L30: true, L20: true}, ResetReady: true, Reentries: reentryOn(today)},
			close: 90, rsi: 28, ema: 100, action: ActionHold, levels: store.Levels{},
			reasonHas: "daily cap",
		},
		{
			name: "yesterday's re-entry does not count", pos: store.Position{Levels: store.Levels{L30: true}, Reentries: reentryOn("2026-03-01")},
			close: 90, rsi: 18, ema: 100, action: ActionReenter, rung: store.Rung20, levels: store.Levels{L30: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := &market.Snapshot{Ticker: "X", Close: tt.close, RSI: tt.rsi, EMAShort: tt.ema}
			d := Decide(cfg, &tt.pos, snap, today)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.rung, d.Rung)
			assert.Equal(t, tt.levels, d.Levels)
			assert.Equal(t, tt.reset, d.ResetReady)
			if tt.reasonHas != "" {
				assert.Contains(t, d.Reason, tt.reasonHas)
			}
		})
	}
}

func TestDecisionChanged(t *testing.T) {
	p := &store.Position{Levels: store.Levels{L30: true}}
	assert.False(t, Decision{Levels: store.Levels{L30: true}}.Changed(p))
	assert.True(t, Decision{Levels: store.Levels{L30: true}, ResetReady: true}.Changed(p))
	assert.True(t, Decision{Levels: store.Levels{}}.Changed(p))
}
