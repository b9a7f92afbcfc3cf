package trader

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"swingtrader/broker"
	"swingtrader/config"
	"swingtrader/hook"
	"swingtrader/market"
	"swingtrader/store"
)

var ist = time.FixedZone("IST", 5*3600+1800)

// Monday 2026-03-02, inside market hours.
var mondayMorning = time.Date(2026, 3, 2, 10, 0, 0, 0, ist)

// EngineSuite drives the services against a SQLite ledger, the paper broker
// and a manual clock.
type EngineSuite struct {
	suite.Suite

	ctx    context.Context
	st     *store.Store
	gw     *broker.PaperGateway
	clock  *market.ManualClock
	sess   *market.Session
	lookup *market.StaticLookup
	src    *market.StaticSource
	hooks  *hook.Registry
	engine *Engine

	mu     sync.Mutex
	events []hook.Event
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = market.NewManualClock(mondayMorning)

	st, err := store.NewSQLite(filepath.Join(s.T().TempDir(), "engine.db"))
	s.Require().NoError(err)
	st.SetClock(s.clock.Now)
	s.st = st

	s.sess, err = market.NewSession("Asia/Kolkata", "09:15", "15:30", "09:15", 30*time.Minute)
	s.Require().NoError(err)

	s.gw = broker.NewPaperGateway(broker.PaperConfig{Cash: 1_000_000, Now: s.clock.Now})
	s.lookup = market.NewStaticLookup("RELIANCE-EQ", "INFY-EQ", "TCS-EQ", "SUZLON-BE")
	s.src = market.NewStaticSource()

	s.events = nil
	s.hooks = hook.NewRegistry()
	for _, kind := range []hook.Kind{hook.OrderExecuted, hook.OrderRejected, hook.OrderCancelled, hook.Discrepancy, hook.InsufficientBalance} {
		s.hooks.Register(kind, func(_ context.Context, ev hook.Event) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.events = append(s.events, ev)
		})
	}
	s.newEngine(nil)
}

func (s *EngineSuite) TearDownTest() {
	if s.st != nil {
		s.st.Close()
	}
}

func (s *EngineSuite) newEngine(mutate func(*EngineConfig)) {
	cfg := EngineConfig{
		Params: Params{
			Strategy: config.Strategy{
				MaxPositions:       10,
				CapitalPerTrade:    100_000,
				RSITop:             30,
				RSIMid:             20,
				RSILow:             10,
				RSIExit:            50,
				DailyReentryCap:    1,
				T2TLimitPremium:    0.01,
				ManualQtyTolerance: 2,
			},
			Exchange: "NSE",
			Product:  "CNC",
		},
		VerifierInterval:  30 * time.Minute,
		VerifierBackoff:   time.Minute,
		ReconcileInterval: 15 * time.Minute,
		SnapshotWorkers:   2,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s.engine = NewEngine(Deps{
		Store:   s.st,
		Broker:  s.gw,
		Lookup:  s.lookup,
		Source:  s.src,
		Session: s.sess,
		Clock:   s.clock,
		Hooks:   s.hooks,
	}, cfg)
}

func (s *EngineSuite) eventsOf(kind hook.Kind) []hook.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []hook.Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// snap builds a liquid snapshot. ema above close keeps the exit rule quiet.
func snap(ticker string, close, rsi, ema float64) *market.Snapshot {
	return &market.Snapshot{
		Ticker:    ticker,
		Close:     close,
		RSI:       rsi,
		EMAShort:  ema,
		EMALong:   ema,
		AvgVolume: 1_000_000,
	}
}

func (s *EngineSuite) place(ticker string, close float64) *Attempt {
	a, err := s.engine.Placement().PlaceEntry(s.ctx, Recommendation{Ticker: ticker, Verdict: "buy"}, snap(ticker, close, 25, close*1.1))
	s.Require().NoError(err)
	return a
}

func (s *EngineSuite) order(id int64) *store.Order {
	o, err := s.st.Order().Get(s.ctx, id)
	s.Require().NoError(err)
	return o
}

func (s *EngineSuite) verify() *CycleStats {
	stats, err := s.engine.RunVerifier(s.ctx)
	s.Require().NoError(err)
	return stats
}

// openPosition places an entry, fills it at fillPrice and runs the verifier.
func (s *EngineSuite) openPosition(ticker string, close, fillPrice float64) *store.Position {
	a := s.place(ticker, close)
	s.Require().True(a.Placed, "entry not placed: %s %s", a.Reason, a.Detail)
	s.Require().NoError(s.gw.Fill(a.BrokerOrderID, fillPrice))
	s.verify()
	pos, err := s.st.Position().GetOpen(s.ctx, market.BaseSymbol(ticker))
	s.Require().NoError(err)
	return pos
}

func (s *EngineSuite) tracking(base string) *store.TrackingEntry {
	e, err := s.st.Tracking().GetActive(s.ctx, base)
	s.Require().NoError(err)
	return e
}

func (s *EngineSuite) TestRunEntriesWithAutoFill() {
	s.gw = broker.NewPaperGateway(broker.PaperConfig{Cash: 1_000_000, AutoFill: true, Now: s.clock.Now})
	s.gw.SetPrice("RELIANCE-EQ", 2495)
	s.newEngine(nil)
	s.src.Put(snap("RELIANCE.NS", 2500, 25, 2700))
	s.src.Put(snap("INFY.NS", 1500, 25, 1600))

	summary, err := s.engine.RunEntries(s.ctx, []Recommendation{
		{Ticker: "RELIANCE.NS", Verdict: "buy"},
		{Ticker: "INFY.NS", Verdict: "hold"},
	})
	s.Require().NoError(err)
	s.Equal(1, summary.Placed)
	s.Equal(1, summary.Skipped)
	s.Equal(store.StatusExecuted, summary.Attempts[0].Status)
	s.Equal(ReasonNotBuy, summary.Attempts[1].Reason)

	pos, err := s.st.Position().GetOpen(s.ctx, "RELIANCE")
	s.Require().NoError(err)
	s.Equal(int64(40), pos.Quantity)
	s.InDelta(2495, pos.EntryPrice, 0.001)
	s.Equal(int64(40), s.tracking("RELIANCE").CurrentTrackedQty)

	// the post-run reconciliation found nothing to change
	discrepancies, err := s.st.Tracking().ListDiscrepancies(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(discrepancies)
	s.False(s.engine.Reconciler().LastRun(s.ctx).IsZero())

	attempts, err := s.st.Attempts().ListRecent(s.ctx, 10)
	s.Require().NoError(err)
	s.Len(attempts, 2)
	s.Len(s.eventsOf(hook.OrderExecuted), 1)
}

func (s *EngineSuite) TestRunEntriesMissingSnapshot() {
	summary, err := s.engine.RunEntries(s.ctx, []Recommendation{{Ticker: "TCS.NS", Verdict: "strong_buy"}})
	s.Require().NoError(err)
	s.Equal(0, summary.Placed)
	s.Equal(ReasonNoSnapshot, summary.Attempts[0].Reason)
	s.Zero(s.gw.PlaceCalls())
}

func (s *EngineSuite) TestRunReentriesFetchesSnapshots() {
	s.openPosition("RELIANCE.NS", 2500, 2490)
	s.src.Put(snap("RELIANCE.NS", 2400, 18, 2600))

	results, err := s.engine.RunReentries(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.Equal(ActionReenter, results[0].Decision.Action)
	s.Equal(store.Rung20, results[0].Decision.Rung)
}

func (s *EngineSuite) TestStartStop() {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.engine.Start(ctx)
	s.Eventually(func() bool { return s.clock.Waiters() == 2 }, 2*time.Second, 5*time.Millisecond)
	s.engine.Stop()
}
