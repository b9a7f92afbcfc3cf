package trader

import (
	"context"
	"errors"
	"sync"
	"time"

	"swingtrader/broker"
	"swingtrader/hook"
	"swingtrader/store"
)

func (s *EngineSuite) TestVerifierExecutesEntryAndOpensPosition() {
	a := s.place("RELIANCE.NS", 2500)
	s.Require().NoError(s.gw.Fill(a.BrokerOrderID, 2490))

	stats := s.verify()
	s.Equal(1, stats.Checked)
	s.Equal(1, stats.Executed)

	o := s.order(a.OrderID)
	s.Equal(store.StatusExecuted, o.Status)
	s.Equal(int64(40), o.FilledQty)
	s.InDelta(2490, o.AvgPrice, 1e-9)
	s.False(o.ExecutedAt.IsZero())

	pos, err := s.st.Position().GetOpen(s.ctx, "RELIANCE")
	s.Require().NoError(err)
	s.Equal(int64(40), pos.Quantity)
	s.InDelta(2490, pos.EntryPrice, 1e-9)
	s.True(pos.Levels.L30)
	s.False(pos.Levels.L20)
	s.Equal(int64(40), s.tracking("RELIANCE").CurrentTrackedQty)

	events := s.eventsOf(hook.OrderExecuted)
	s.Require().Len(events, 1)
	s.Equal(a.BrokerOrderID, events[0].BrokerOrderID)
	s.Equal(int64(40), events[0].Quantity)

	// terminal orders drop out of the next cycle
	s.Zero(s.verify().Checked)
}

func (s *EngineSuite) TestVerifierRejectionReleasesTracking() {
	a := s.place("RELIANCE.NS", 2500)
	s.Require().NoError(s.gw.Reject(a.BrokerOrderID, "RMS: margin exceeds"))

	s.Equal(1, s.verify().Rejected)
	o := s.order(a.OrderID)
	s.Equal(store.StatusRejected, o.Status)
	s.Equal("RMS: margin exceeds", o.RejectionReason)

	_, err := s.st.Tracking().GetActive(s.ctx, "RELIANCE")
	s.ErrorIs(err, store.ErrNotFound)
	s.Len(s.eventsOf(hook.OrderRejected), 1)

	// a new entry is admitted after the rejection
	s.True(s.place("RELIANCE.NS", 2500).Placed)
}

func (s *EngineSuite) TestVerifierPartialFillThenCancel() {
	a := s.place("RELIANCE.NS", 2500)
	s.Require().NoError(s.gw.PartialFill(a.BrokerOrderID, 10, 2495))

	s.Equal(1, s.verify().Partial)
	o := s.order(a.OrderID)
	s.Equal(store.StatusOngoing, o.Status)
	s.Equal(int64(10), o.FilledQty)

	s.Require().NoError(s.gw.SetRawStatus(a.BrokerOrderID, "cancelled"))
	s.Equal(1, s.verify().Cancelled)
	o = s.order(a.OrderID)
	s.Equal(store.StatusCancelled, o.Status)

	// the filled part became a position
	pos, err := s.st.Position().GetOpen(s.ctx, "RELIANCE")
	s.Require().NoError(err)
	s.Equal(int64(10), pos.Quantity)
	s.Equal(int64(10), s.tracking("RELIANCE").CurrentTrackedQty)
}

func (s *EngineSuite) TestVerifierUnknownStatusLeavesOrder() {
	a := s.place("RELIANCE.NS", 2500)
	s.Require().NoError(s.gw.SetRawStatus(a.BrokerOrderID, "frozen by exchange"))

	s.Equal(1, s.verify().Unknown)
	o := s.order(a.OrderID)
	s.Equal(store.StatusOngoing, o.Status)
	s.WithinDuration(mondayMorning, o.LastCheckedAt, 0)
}

func (s *EngineSuite) TestVerifierWaitsForGraceBeforeAssumingCancel() {
	a := s.place("RELIANCE.NS", 2500)
	s.gw.Forget(a.BrokerOrderID)

	s.verify()
	s.Equal(store.StatusOngoing, s.order(a.OrderID).Status)

	// after close but inside the grace period
	s.clock.Set(time.Date(2026, 3, 2, 15, 45, 0, 0, ist))
	s.verify()
	s.Equal(store.StatusOngoing, s.order(a.OrderID).Status)

	s.clock.Set(time.Date(2026, 3, 2, 16, 1, 0, 0, ist))
	s.Equal(1, s.verify().Cancelled)
	o := s.order(a.OrderID)
	s.Equal(store.StatusCancelled, o.Status)
	s.Equal(store.ReasonAssumedCancel, o.CancelledReason)

	_, err := s.st.Tracking().GetActive(s.ctx, "RELIANCE")
	s.ErrorIs(err, store.ErrNotFound)
	s.Len(s.eventsOf(hook.OrderCancelled), 1)
}

func (s *EngineSuite) TestVerifierNeverAssumesCancelOnNextDay() {
	a := s.place("RELIANCE.NS", 2500)
	s.gw.Forget(a.BrokerOrderID)

	s.clock.Set(time.Date(2026, 3, 3, 17, 0, 0, 0, ist))
	s.verify()
	s.Equal(store.StatusOngoing, s.order(a.OrderID).Status)
}

func (s *EngineSuite) TestVerifierCycleErrorLeavesState() {
	a := s.place("RELIANCE.NS", 2500)
	s.Require().NoError(s.gw.Fill(a.BrokerOrderID, 2490))
	s.gw.SetOrdersError(errors.New("503"))

	_, err := s.engine.RunVerifier(s.ctx)
	s.Error(err)
	s.Equal(store.StatusOngoing, s.order(a.OrderID).Status)

	s.gw.SetOrdersError(nil)
	s.Equal(1, s.verify().Executed)
}

func (s *EngineSuite) TestVerifierLoopRunsOnClock() {
	first := s.place("RELIANCE.NS", 2500)
	s.Require().NoError(s.gw.Fill(first.BrokerOrderID, 2490))

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	v := s.engine.Verifier()
	v.Start(ctx)
	defer v.Stop()

	executed := func(id int64) func() bool {
		return func() bool {
			o, err := s.st.Order().Get(s.ctx, id)
			return err == nil && o.Status == store.StatusExecuted
		}
	}
	// the first cycle runs immediately, then the loop parks on the clock
	s.Eventually(executed(first.OrderID), 2*time.Second, 5*time.Millisecond)
	s.Eventually(func() bool { return s.clock.Waiters() == 1 }, 2*time.Second, 5*time.Millisecond)

	second := s.place("INFY.NS", 1500)
	s.Require().True(second.Placed)
	s.Require().NoError(s.gw.Fill(second.BrokerOrderID, 1498))
	s.Never(executed(second.OrderID), 50*time.Millisecond, 5*time.Millisecond)

	s.clock.Advance(30 * time.Minute)
	s.Eventually(executed(second.OrderID), 2*time.Second, 5*time.Millisecond)
}

func (s *EngineSuite) TestVerifierLoopBacksOffOnError() {
	s.place("RELIANCE.NS", 2500)
	s.gw.SetOrdersError(errors.New("503"))

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	v := s.engine.Verifier()
	v.Start(ctx)
	defer v.Stop()

	s.Eventually(func() bool { return s.clock.Waiters() == 1 }, 2*time.Second, 5*time.Millisecond)
	// a one minute backoff fires before the regular interval
	s.clock.Advance(time.Minute)
	s.Eventually(func() bool { return s.clock.Waiters() == 1 }, 2*time.Second, 5*time.Millisecond)
}

// crashingGateway panics on its first order book read.
type crashingGateway struct {
	broker.Gateway
	once sync.Once
}

func (g *crashingGateway) GetPendingOrders(ctx context.Context) ([]broker.Order, error) {
	g.once.Do(func() { panic("malformed order book") })
	return g.Gateway.GetPendingOrders(ctx)
}

func (s *EngineSuite) TestVerifierLoopSurvivesPanickingCycle() {
	a := s.place("RELIANCE.NS", 2500)
	s.Require().NoError(s.gw.Fill(a.BrokerOrderID, 2490))

	v := NewStatusVerifier(s.st, &crashingGateway{Gateway: s.gw}, s.sess, s.clock, s.hooks,
		NewFillHandler(s.st, s.sess, s.clock), 30*time.Minute, time.Minute)
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	v.Start(ctx)
	defer v.Stop()

	// the crashed cycle parks on the backoff, not the regular interval
	s.Eventually(func() bool { return s.clock.Waiters() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Equal(store.StatusOngoing, s.order(a.OrderID).Status)

	s.clock.Advance(time.Minute)
	s.Eventually(func() bool {
		o, err := s.st.Order().Get(s.ctx, a.OrderID)
		return err == nil && o.Status == store.StatusExecuted
	}, 2*time.Second, 5*time.Millisecond)
}
