package trader

import (
	"time"

	"swingtrader/broker"
	"swingtrader/market"
	"swingtrader/store"
)

// queueRetry leaves a RETRY_PENDING entry for RELIANCE sized at close.
func (s *EngineSuite) queueRetry(close float64) *Attempt {
	s.gw.SetCash(1_000)
	a := s.place("RELIANCE.NS", close)
	s.Require().Equal(OutcomeRetry, a.Outcome)
	return a
}

func (s *EngineSuite) retry(close float64) *BatchSummary {
	summary, err := s.engine.Placement().RetryPending(s.ctx, map[string]*market.Snapshot{
		"RELIANCE.NS": snap("RELIANCE.NS", close, 25, close*1.1),
	})
	s.Require().NoError(err)
	return summary
}

func (s *EngineSuite) TestRetrySameDayPlacesWhenCashArrives() {
	queued := s.queueRetry(2500)
	s.gw.SetCash(1_000_000)
	s.clock.Advance(2 * time.Hour)

	summary := s.retry(2500)
	s.Require().Len(summary.Attempts, 1)
	a := summary.Attempts[0]
	s.True(a.Placed, a.Detail)
	s.Equal(queued.OrderID, a.OrderID)

	o := s.order(queued.OrderID)
	s.Equal(store.StatusOngoing, o.Status)
	s.Equal(1, o.RetryCount)
	s.NotEmpty(o.BrokerOrderID)

	rr, err := s.st.Retry().Get(s.ctx, queued.OrderID)
	s.Require().NoError(err)
	s.Equal(store.RetryResolved, rr.State)

	history, err := s.st.Order().History(s.ctx, queued.OrderID)
	s.Require().NoError(err)
	var moves []string
	for _, h := range history {
		moves = append(moves, h.From+">"+h.To)
	}
	s.Equal([]string{">PENDING", "PENDING>RETRY_PENDING", "RETRY_PENDING>PENDING", "PENDING>ONGOING"}, moves)
}

func (s *EngineSuite) TestRetryNextDayBeforeCutoff() {
	queued := s.queueRetry(2500)
	s.gw.SetCash(1_000_000)
	s.clock.Set(time.Date(2026, 3, 3, 9, 0, 0, 0, ist))

	a := s.retry(2500).Attempts[0]
	s.True(a.Placed, a.Detail)
	o := s.order(queued.OrderID)
	s.Equal(market.VarietyAMO, o.Variety)
}

func (s *EngineSuite) TestRetryNextDayAfterCutoffExpires() {
	queued := s.queueRetry(2500)
	s.gw.SetCash(1_000_000)
	s.clock.Set(time.Date(2026, 3, 3, 9, 20, 0, 0, ist))

	a := s.retry(2500).Attempts[0]
	s.False(a.Placed)
	s.Equal(OutcomeExpired, a.Outcome)
	s.Equal(ReasonRetryExpired, a.Reason)

	o := s.order(queued.OrderID)
	s.Equal(store.StatusCancelled, o.Status)
	s.Equal(store.ReasonRetryExpired, o.CancelledReason)
	rr, err := s.st.Retry().Get(s.ctx, queued.OrderID)
	s.Require().NoError(err)
	s.Equal(store.RetryExpired, rr.State)
	s.Zero(s.gw.PlaceCalls())
}

func (s *EngineSuite) TestRetryTwoDaysLaterExpires() {
	queued := s.queueRetry(2500)
	s.gw.SetCash(1_000_000)
	s.clock.Set(time.Date(2026, 3, 4, 8, 0, 0, 0, ist))

	s.Equal(OutcomeExpired, s.retry(2500).Attempts[0].Outcome)
	s.Equal(store.StatusCancelled, s.order(queued.OrderID).Status)
}

func (s *EngineSuite) TestRetryStillShortStaysQueued() {
	queued := s.queueRetry(2500)

	a := s.retry(2500).Attempts[0]
	s.Equal(OutcomeRetry, a.Outcome)
	s.Equal(ReasonInsufficientBalance, a.Reason)

	o := s.order(queued.OrderID)
	s.Equal(store.StatusRetryPending, o.Status)
	s.Equal(1, o.RetryCount)
	rr, err := s.st.Retry().Get(s.ctx, queued.OrderID)
	s.Require().NoError(err)
	s.Equal(store.RetryQueued, rr.State)
	s.Equal(1, rr.RetryCount)
	s.WithinDuration(mondayMorning, rr.FirstFailedAt, 0)
	s.Zero(s.gw.PlaceCalls())
}

func (s *EngineSuite) TestRetryAdoptsMatchingManualOrder() {
	queued := s.queueRetry(10_000) // 10 shares
	manualID := s.gw.AddExternalOrder("RELIANCE-EQ", broker.SideBuy, 11)

	a := s.retry(10_000).Attempts[0]
	s.Equal(OutcomeAdopted, a.Outcome)
	s.Equal(ReasonManualAdopted, a.Reason)
	s.Equal(manualID, a.BrokerOrderID)
	s.Zero(s.gw.PlaceCalls())

	o := s.order(queued.OrderID)
	s.Equal(store.StatusPending, o.Status)
	s.Equal(manualID, o.BrokerOrderID)
	s.Equal(int64(11), o.Quantity)
	s.Contains(s.tracking("RELIANCE").RelatedOrders, manualID)

	// nothing left to retry and no second row for the broker order
	s.Empty(s.retry(10_000).Attempts)
	orders, err := s.st.Order().List(s.ctx, store.OrderFilter{BaseSymbol: "RELIANCE"})
	s.Require().NoError(err)
	s.Len(orders, 1)

	// the verifier now follows the adopted order
	s.Require().NoError(s.gw.Fill(manualID, 9_950))
	s.verify()
	s.Equal(store.StatusExecuted, s.order(queued.OrderID).Status)
	pos, err := s.st.Position().GetOpen(s.ctx, "RELIANCE")
	s.Require().NoError(err)
	s.Equal(int64(11), pos.Quantity)
}

func (s *EngineSuite) TestRetryCancelsSmallerManualOrders() {
	queued := s.queueRetry(10_000)
	manualID := s.gw.AddExternalOrder("RELIANCE-EQ", broker.SideBuy, 3)
	s.gw.SetCash(1_000_000)

	a := s.retry(10_000).Attempts[0]
	s.True(a.Placed, a.Detail)
	s.Equal(queued.OrderID, a.OrderID)

	manual, ok := s.gw.Order(manualID)
	s.Require().True(ok)
	s.Equal(broker.KindCancelled, manual.Kind)
	s.Equal(int64(10), s.order(queued.OrderID).Quantity)
}

func (s *EngineSuite) TestRetryWithChangedQuantityReplacesOrder() {
	queued := s.queueRetry(2500)
	s.gw.SetCash(1_000_000)

	a := s.retry(2000).Attempts[0]
	s.True(a.Placed, a.Detail)
	s.NotEqual(queued.OrderID, a.OrderID)
	s.Equal(int64(50), a.Quantity)

	old := s.order(queued.OrderID)
	s.Equal(store.StatusCancelled, old.Status)
	s.Equal(store.ReasonParameterUpdate, old.CancelledReason)
	rr, err := s.st.Retry().Get(s.ctx, queued.OrderID)
	s.Require().NoError(err)
	s.Equal(store.RetryResolved, rr.State)
}
