package trader

import (
	"errors"

	"swingtrader/broker"
	"swingtrader/hook"
	"swingtrader/store"
)

func (s *EngineSuite) reconcile() *ReconcileReport {
	report, err := s.engine.RunReconcile(s.ctx)
	s.Require().NoError(err)
	return report
}

func (s *EngineSuite) TestReconcileMatchingHoldings() {
	s.openPosition("RELIANCE.NS", 2500, 2490)
	report := s.reconcile()
	s.Equal(1, report.Checked)
	s.Equal(1, report.Matched)
	s.Empty(report.Discrepancies)
}

func (s *EngineSuite) TestReconcileManualBuy() {
	s.openPosition("RELIANCE.NS", 2500, 2490)
	s.gw.SetHolding("RELIANCE-EQ", 50, 2480)

	report := s.reconcile()
	s.Equal(1, report.Adjusted)
	s.Require().Len(report.Discrepancies, 1)
	d := report.Discrepancies[0]
	s.Equal(store.DiscrepancyManualBuy, d.Kind)
	s.Equal(int64(40), d.Expected)
	s.Equal(int64(50), d.Broker)
	s.Equal(int64(10), d.Diff)
	s.Equal(int64(50), s.tracking("RELIANCE").CurrentTrackedQty)

	events := s.eventsOf(hook.Discrepancy)
	s.Require().Len(events, 1)
	s.Equal(store.DiscrepancyManualBuy, events[0].Reason)

	// applied once; the next pass matches
	s.Equal(1, s.reconcile().Matched)
}

func (s *EngineSuite) TestReconcileManualSellAcrossSegments() {
	s.openPosition("RELIANCE.NS", 2500, 2490)
	s.gw.SetHolding("RELIANCE-EQ", 20, 2490)
	s.gw.SetHolding("RELIANCE-BE", 10, 2490)

	report := s.reconcile()
	s.Require().Len(report.Discrepancies, 1)
	s.Equal(store.DiscrepancyManualSell, report.Discrepancies[0].Kind)
	s.Equal(int64(-10), report.Discrepancies[0].Diff)
	s.Equal(int64(30), s.tracking("RELIANCE").CurrentTrackedQty)

	// the position keeps its fills; exits sell what is tracked
	pos, err := s.st.Position().GetOpen(s.ctx, "RELIANCE")
	s.Require().NoError(err)
	s.Equal(int64(40), pos.Quantity)
}

func (s *EngineSuite) TestReconcileZeroHoldingsCompletesEntry() {
	pos := s.openPosition("RELIANCE.NS", 2500, 2490)
	reentry := s.evaluate(pos, 2400, 18, 2600)
	s.Require().Equal(ActionReenter, reentry.Decision.Action)
	s.gw.SetHolding("RELIANCE-EQ", 0, 0)

	report := s.reconcile()
	s.Equal(1, report.Completed)
	s.Require().Len(report.Discrepancies, 1)
	s.Equal(store.DiscrepancyClosed, report.Discrepancies[0].Kind)
	s.Equal(int64(0), report.Discrepancies[0].Broker)

	_, err := s.st.Tracking().GetActive(s.ctx, "RELIANCE")
	s.ErrorIs(err, store.ErrNotFound)
	_, err = s.st.Position().GetOpen(s.ctx, "RELIANCE")
	s.ErrorIs(err, store.ErrNotFound)

	o := s.order(reentry.OrderID)
	s.Equal(store.StatusClosed, o.Status)
	s.Equal(store.ReasonPositionClosed, o.CancelledReason)
	bo, _ := s.gw.Order(reentry.BrokerOrderID)
	s.Equal(broker.KindCancelled, bo.Kind)

	stored, err := s.st.Tracking().ListDiscrepancies(s.ctx, 10)
	s.Require().NoError(err)
	s.Len(stored, 1)
}

func (s *EngineSuite) TestReconcileSkipsEntryAwaitingFill() {
	s.place("RELIANCE.NS", 2500)
	report := s.reconcile()
	s.Equal(1, report.Skipped)
	s.Empty(report.Discrepancies)
	s.Zero(s.tracking("RELIANCE").CurrentTrackedQty)
}

func (s *EngineSuite) TestReconcileHoldingsUnavailableChangesNothing() {
	s.openPosition("RELIANCE.NS", 2500, 2490)
	s.gw.SetHolding("RELIANCE-EQ", 0, 0)
	s.gw.SetHoldingsError(errors.New("timeout"))

	_, err := s.engine.RunReconcile(s.ctx)
	s.ErrorIs(err, broker.ErrHoldingsUnavailable)
	s.Equal(int64(40), s.tracking("RELIANCE").CurrentTrackedQty)
	_, err = s.st.Position().GetOpen(s.ctx, "RELIANCE")
	s.NoError(err)
}

func (s *EngineSuite) TestReconcileSettlesFilledReentryBeforeDiff() {
	pos := s.openPosition("RELIANCE.NS", 2500, 2490)
	res := s.evaluate(pos, 2400, 18, 2600)
	s.Require().Equal(ActionReenter, res.Decision.Action)
	s.Require().NoError(s.gw.Fill(res.BrokerOrderID, 2390))

	// the broker holds 81 before the verifier has seen the fill
	report := s.reconcile()
	s.Empty(report.Discrepancies)
	s.Equal(1, report.Matched)
	s.Equal(int64(81), s.tracking("RELIANCE").CurrentTrackedQty)
	s.Equal(store.StatusExecuted, s.order(res.OrderID).Status)

	s.Zero(s.verify().Checked)
	s.Equal(int64(81), s.tracking("RELIANCE").CurrentTrackedQty)
	pos, err := s.st.Position().GetOpen(s.ctx, "RELIANCE")
	s.Require().NoError(err)
	s.Equal(int64(81), pos.Quantity)
	s.Empty(s.eventsOf(hook.Discrepancy))
}

func (s *EngineSuite) TestReconcileSettlesFilledExitAtFillPrice() {
	pos := s.openPosition("RELIANCE.NS", 2500, 2490)
	res := s.evaluate(pos, 2650, 45, 2600)
	s.Require().Equal(ActionExit, res.Decision.Action)
	s.Require().NoError(s.gw.Fill(res.BrokerOrderID, 2655))

	report := s.reconcile()
	s.Empty(report.Discrepancies)

	o := s.order(res.OrderID)
	s.Equal(store.StatusExecuted, o.Status)
	s.InDelta(2655, o.AvgPrice, 1e-9)

	closed, err := s.st.Position().Get(s.ctx, pos.ID)
	s.Require().NoError(err)
	s.Equal(store.PositionClosed, closed.Status)
	s.InDelta(2655, closed.ExitPrice, 1e-9)
	s.Equal("exit signal", closed.CloseReason)

	_, err = s.st.Tracking().GetActive(s.ctx, "RELIANCE")
	s.ErrorIs(err, store.ErrNotFound)

	var exits []hook.Event
	for _, ev := range s.eventsOf(hook.OrderExecuted) {
		if ev.BrokerOrderID == res.BrokerOrderID {
			exits = append(exits, ev)
		}
	}
	s.Len(exits, 1)
	s.Empty(s.eventsOf(hook.Discrepancy))

	s.Zero(s.verify().Checked)
}

func (s *EngineSuite) TestReconcileDefersPartiallyFilledReentry() {
	pos := s.openPosition("RELIANCE.NS", 2500, 2490)
	res := s.evaluate(pos, 2400, 18, 2600)
	s.Require().Equal(ActionReenter, res.Decision.Action)
	s.Require().NoError(s.gw.PartialFill(res.BrokerOrderID, 20, 2390))

	report := s.reconcile()
	s.Equal(1, report.Skipped)
	s.Empty(report.Discrepancies)
	s.Equal(store.StatusOngoing, s.order(res.OrderID).Status)
	s.Equal(int64(20), s.order(res.OrderID).FilledQty)
}
