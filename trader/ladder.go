package trader

import (
	"fmt"

	"swingtrader/config"
	"swingtrader/market"
	"swingtrader/store"
)

// Action is what the ladder decided for a position this cycle.
type Action string

const (
	ActionHold    Action = "hold"
	ActionExit    Action = "exit"
	ActionReenter Action = "reenter"
)

// Decision is the pure outcome of evaluating one position against a
// snapshot. Levels and ResetReady are the state to persist whatever the
// action.
type Decision struct {
	Action     Action       `json:"action"`
	Rung       int          `json:"rung,omitempty"`
	Levels     store.Levels `json:"levels"`
	ResetReady bool         `json:"reset_ready"`
	Reason     string       `json:"reason"`
}

// Changed reports whether the ladder state differs from the position's.
func (d Decision) Changed(p *store.Position) bool {
	return d.Levels != p.Levels || d.ResetReady != p.ResetReady
}

// Decide evaluates the exit rule, the reset cycle and the 30/20/10 ladder.
// today is the exchange-local date used for the daily cap.
func Decide(cfg config.Strategy, p *store.Position, snap *market.Snapshot, today string) Decision {
	d := Decision{Action: ActionHold, Levels: p.Levels, ResetReady: p.ResetReady}
	rsi := snap.RSI

	if snap.EMAShort > 0 && snap.Close >= snap.EMAShort {
		d.Action, d.Reason = ActionExit, fmt.Sprintf("close %.2f >= ema %.2f", snap.Close, snap.EMAShort)
		return d
	}
	if rsi > cfg.RSIExit {
		d.Action, d.Reason = ActionExit, fmt.Sprintf("rsi %.2f > %.0f", rsi, cfg.RSIExit)
		return d
	}

	switch {
	case rsi > cfg.RSITop:
		if !d.ResetReady {
			d.ResetReady = true
			d.Reason = "reset armed"
		} else {
			d.Reason = "above top rung"
		}
		return d
	case rsi < cfg.RSITop && d.ResetReady:
		d.Levels = store.Levels{}
		d.ResetReady = false
		d.Rung = store.Rung30
		d.Reason = "reset consumed"
	case rsi < cfg.RSITop && !d.Levels.L30:
		d.Rung = store.Rung30
	case rsi < cfg.RSIMid && d.Levels.L30 && !d.Levels.L20:
		d.Rung = store.Rung20
	case rsi < cfg.RSILow && d.Levels.L20 && !d.Levels.L10:
		d.Rung = store.Rung10
	}

	if d.Rung == 0 {
		if d.Reason == "" {
			d.Reason = "no rung"
		}
		return d
	}
	limit := cfg.DailyReentryCap
	if limit > 0 && p.ReentriesOn(today) >= limit {
		d.Reason = fmt.Sprintf("rung %d blocked by daily cap", d.Rung)
		d.Rung = 0
		return d
	}
	d.Action = ActionReenter
	if d.Reason == "" {
		d.Reason = fmt.Sprintf("rsi %.2f below rung %d", rsi, d.Rung)
	}
	return d
}
