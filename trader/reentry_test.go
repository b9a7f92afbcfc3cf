package trader

import (
	"time"

	"swingtrader/broker"
	"swingtrader/store"
)

func (s *EngineSuite) evaluate(pos *store.Position, close, rsi, ema float64) *ReentryResult {
	res, err := s.engine.Planner().Evaluate(s.ctx, pos, snap(pos.Ticker, close, rsi, ema))
	s.Require().NoError(err)
	return res
}

func (s *EngineSuite) TestLadderHoldsAboveMidThenFiresRung20() {
	pos := s.openPosition("RELIANCE.NS", 2500, 2490)

	res := s.evaluate(pos, 2450, 25, 2600)
	s.Equal(ActionHold, res.Decision.Action)
	s.Zero(res.OrderID)

	res = s.evaluate(pos, 2400, 18, 2600)
	s.Require().Equal(ActionReenter, res.Decision.Action)
	s.Equal(store.Rung20, res.Decision.Rung)
	s.Equal(int64(41), res.Quantity)

	o := s.order(res.OrderID)
	s.Equal(store.PurposeReentry, o.Purpose)
	s.Equal(store.Rung20, o.Rung)
	s.Equal(store.SideBuy, o.Side)
	s.Equal(store.StatusOngoing, o.Status)

	pos, err := s.st.Position().GetOpen(s.ctx, "RELIANCE")
	s.Require().NoError(err)
	s.Equal(int64(81), pos.Quantity)
	s.InDelta(198000.0/81, pos.EntryPrice, 0.01)
	s.True(pos.Levels.L20)
	s.InDelta(2600, pos.Target, 1e-9)
	s.Require().Len(pos.Reentries, 1)
	s.Equal("2026-03-02", pos.Reentries[0].Date)

	// the broker's average replaces the provisional price
	s.Require().NoError(s.gw.Fill(res.BrokerOrderID, 2390))
	s.verify()
	pos, err = s.st.Position().GetOpen(s.ctx, "RELIANCE")
	s.Require().NoError(err)
	s.InDelta(197590.0/81, pos.EntryPrice, 0.01)
	s.Equal(int64(81), s.tracking("RELIANCE").CurrentTrackedQty)
}

func (s *EngineSuite) TestReentrySkippedWhileOrderInFlight() {
	pos := s.openPosition("RELIANCE.NS", 2500, 2490)
	s.Require().Equal(ActionReenter, s.evaluate(pos, 2400, 18, 2600).Decision.Action)

	res := s.evaluate(pos, 2300, 8, 2600)
	s.Equal(ActionHold, res.Decision.Action)
	s.Contains(res.Decision.Reason, "in flight")
	s.Equal(2, s.gw.PlaceCalls())
}

func (s *EngineSuite) TestDailyCapBlocksSecondRungUntilTomorrow() {
	pos := s.openPosition("RELIANCE.NS", 2500, 2490)
	first := s.evaluate(pos, 2400, 18, 2600)
	s.Require().NoError(s.gw.Fill(first.BrokerOrderID, 2400))
	s.verify()

	res := s.evaluate(pos, 2300, 8, 2600)
	s.Equal(ActionHold, res.Decision.Action)
	s.Contains(res.Decision.Reason, "daily cap")
	pos, err := s.st.Position().GetOpen(s.ctx, "RELIANCE")
	s.Require().NoError(err)
	s.False(pos.Levels.L10)

	s.clock.Set(time.Date(2026, 3, 3, 10, 0, 0, 0, ist))
	res = s.evaluate(pos, 2300, 8, 2600)
	s.Equal(ActionReenter, res.Decision.Action)
	s.Equal(store.Rung10, res.Decision.Rung)
}

func (s *EngineSuite) TestResetCycleRefiresRung30() {
	pos := s.openPosition("RELIANCE.NS", 2500, 2490)

	res := s.evaluate(pos, 2450, 35, 2600)
	s.Equal(ActionHold, res.Decision.Action)
	s.True(res.Decision.ResetReady)
	pos, err := s.st.Position().GetOpen(s.ctx, "RELIANCE")
	s.Require().NoError(err)
	s.True(pos.ResetReady)

	res = s.evaluate(pos, 2420, 28, 2600)
	s.Require().Equal(ActionReenter, res.Decision.Action)
	s.Equal(store.Rung30, res.Decision.Rung)

	pos, err = s.st.Position().GetOpen(s.ctx, "RELIANCE")
	s.Require().NoError(err)
	s.False(pos.ResetReady)
	s.Equal(store.Levels{L30: true}, pos.Levels)
}

func (s *EngineSuite) TestReentrySizedByCash() {
	pos := s.openPosition("RELIANCE.NS", 2500, 2490)
	s.gw.SetCash(24_000)

	res := s.evaluate(pos, 2400, 18, 2600)
	s.Require().Equal(ActionReenter, res.Decision.Action)
	s.Equal(int64(10), res.Quantity)

	s.Require().NoError(s.gw.Fill(res.BrokerOrderID, 2400))
	s.verify()
	s.gw.SetCash(100)
	s.clock.Set(time.Date(2026, 3, 3, 10, 0, 0, 0, ist))
	res = s.evaluate(pos, 2300, 8, 2600)
	s.Equal(ActionHold, res.Decision.Action)
	s.Contains(res.Decision.Reason, "insufficient cash")
}

func (s *EngineSuite) TestRejectedReentryRemovesFillButKeepsRung() {
	pos := s.openPosition("RELIANCE.NS", 2500, 2490)
	res := s.evaluate(pos, 2400, 18, 2600)
	s.Require().NoError(s.gw.Reject(res.BrokerOrderID, "circuit limit"))
	s.verify()

	pos, err := s.st.Position().GetOpen(s.ctx, "RELIANCE")
	s.Require().NoError(err)
	s.Equal(int64(40), pos.Quantity)
	s.InDelta(2490, pos.EntryPrice, 1e-9)
	s.True(pos.Levels.L20)
	s.Empty(pos.Reentries)
}

func (s *EngineSuite) TestExitSellsTrackedQuantityAndClosesPosition() {
	pos := s.openPosition("RELIANCE.NS", 2500, 2490)

	res := s.evaluate(pos, 2650, 45, 2600)
	s.Require().Equal(ActionExit, res.Decision.Action)
	s.Equal(int64(40), res.Quantity)

	o := s.order(res.OrderID)
	s.Equal(store.SideSell, o.Side)
	s.Equal(store.PurposeExit, o.Purpose)
	bo, ok := s.gw.Order(res.BrokerOrderID)
	s.Require().True(ok)
	s.Equal(broker.SideSell, bo.Side)

	s.Require().NoError(s.gw.Fill(res.BrokerOrderID, 2655))
	s.verify()

	_, err := s.st.Position().GetOpen(s.ctx, "RELIANCE")
	s.ErrorIs(err, store.ErrNotFound)
	closed, err := s.st.Position().Get(s.ctx, pos.ID)
	s.Require().NoError(err)
	s.Equal(store.PositionClosed, closed.Status)
	s.InDelta(2655, closed.ExitPrice, 1e-9)

	_, err = s.st.Tracking().GetActive(s.ctx, "RELIANCE")
	s.ErrorIs(err, store.ErrNotFound)
}

func (s *EngineSuite) TestExitOnRSI() {
	pos := s.openPosition("RELIANCE.NS", 2500, 2490)
	res := s.evaluate(pos, 2450, 55, 2600)
	s.Equal(ActionExit, res.Decision.Action)
}
