package trader

import (
	"context"
	"time"

	"swingtrader/broker"
	"swingtrader/hook"
	"swingtrader/logger"
	"swingtrader/market"
	"swingtrader/store"
)

// Deps are the collaborators the engine is built from. Nothing in the
// engine reaches for a global; main constructs these and hands them over.
type Deps struct {
	Store   *store.Store
	Broker  broker.Gateway
	Lookup  market.Lookup
	Source  market.Source
	Session *market.Session
	Clock   market.Clock
	Hooks   *hook.Registry
}

// EngineConfig holds the loop timings on top of the shared Params.
type EngineConfig struct {
	Params
	VerifierInterval  time.Duration
	VerifierBackoff   time.Duration
	ReconcileInterval time.Duration
	SnapshotWorkers   int
}

// Engine wires placement, verification, re-entry and reconciliation
// around one ledger and one broker.
type Engine struct {
	deps       Deps
	cfg        EngineConfig
	locks      *store.SymbolLocks
	fills      *FillHandler
	verifier   *StatusVerifier
	manual     *ManualMatcher
	placement  *PlacementService
	planner    *ReentryPlanner
	reconciler *Reconciler
}

// NewEngine builds every service. Background loops start with Start.
func NewEngine(deps Deps, cfg EngineConfig) *Engine {
	if deps.Clock == nil {
		deps.Clock = market.SystemClock{}
	}
	if deps.Hooks == nil {
		deps.Hooks = hook.NewRegistry()
	}
	e := &Engine{deps: deps, cfg: cfg, locks: store.NewSymbolLocks()}
	e.fills = NewFillHandler(deps.Store, deps.Session, deps.Clock)
	e.verifier = NewStatusVerifier(deps.Store, deps.Broker, deps.Session, deps.Clock, deps.Hooks, e.fills,
		cfg.VerifierInterval, cfg.VerifierBackoff)
	e.manual = NewManualMatcher(deps.Store, deps.Broker, cfg.Strategy.ManualQtyTolerance)
	e.placement = NewPlacementService(deps.Store, deps.Broker, deps.Lookup, deps.Session, deps.Clock, deps.Hooks,
		e.locks, e.manual, e.verifier, cfg.Params)
	e.planner = NewReentryPlanner(deps.Store, deps.Broker, deps.Session, deps.Clock, deps.Hooks, e.locks,
		e.placement, e.verifier, cfg.Params)
	e.reconciler = NewReconciler(deps.Store, deps.Broker, deps.Clock, deps.Hooks, e.locks, e.verifier,
		cfg.ReconcileInterval)
	return e
}

// Start launches the verifier and reconciliation loops.
func (e *Engine) Start(ctx context.Context) {
	e.verifier.Start(ctx)
	e.reconciler.Start(ctx)
	logger.Info("✅ Engine started")
}

// Stop stops the loops in reverse start order.
func (e *Engine) Stop() {
	e.reconciler.Stop()
	e.verifier.Stop()
	logger.Info("✅ Engine stopped")
}

func (e *Engine) Store() *store.Store          { return e.deps.Store }
func (e *Engine) Verifier() *StatusVerifier    { return e.verifier }
func (e *Engine) Placement() *PlacementService { return e.placement }
func (e *Engine) Planner() *ReentryPlanner     { return e.planner }
func (e *Engine) Reconciler() *Reconciler      { return e.reconciler }

func (e *Engine) snapshots(ctx context.Context, tickers []string) map[string]*market.Snapshot {
	snaps, errs := market.FetchSnapshots(ctx, e.deps.Source, tickers, e.cfg.SnapshotWorkers)
	for ticker, err := range errs {
		logger.WithSymbol(ticker).Warnf("⚠️  snapshot unavailable: %v", err)
	}
	return snaps
}

// RunEntries fetches snapshots for the recommendations, runs the placement
// batch and reconciles afterwards.
func (e *Engine) RunEntries(ctx context.Context, recs []Recommendation) (*BatchSummary, error) {
	tickers := make([]string, 0, len(recs))
	for _, rec := range recs {
		if rec.IsBuy() {
			tickers = append(tickers, rec.Ticker)
		}
	}
	summary, err := e.placement.PlaceBatch(ctx, recs, e.snapshots(ctx, tickers))
	if err != nil {
		return summary, err
	}
	e.reconcileAfter(ctx)
	return summary, nil
}

// RunRetries re-attempts the balance retry queue.
func (e *Engine) RunRetries(ctx context.Context) (*BatchSummary, error) {
	queued, err := e.deps.Store.Retry().ListQueued(ctx)
	if err != nil {
		return nil, err
	}
	tickers := make([]string, 0, len(queued))
	for _, rr := range queued {
		tickers = append(tickers, rr.Ticker)
	}
	return e.placement.RetryPending(ctx, e.snapshots(ctx, tickers))
}

// RunReentries evaluates every open position against a fresh snapshot.
func (e *Engine) RunReentries(ctx context.Context) ([]*ReentryResult, error) {
	positions, err := e.deps.Store.Position().ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	tickers := make([]string, 0, len(positions))
	for _, p := range positions {
		tickers = append(tickers, p.Ticker)
	}
	results, err := e.planner.Run(ctx, e.snapshots(ctx, tickers))
	if err != nil {
		return results, err
	}
	e.reconcileAfter(ctx)
	return results, nil
}

// RunReconcile runs one reconciliation pass now.
func (e *Engine) RunReconcile(ctx context.Context) (*ReconcileReport, error) {
	return e.reconciler.Reconcile(ctx)
}

// RunVerifier runs one status verification pass now.
func (e *Engine) RunVerifier(ctx context.Context) (*CycleStats, error) {
	return e.verifier.RunCycle(ctx)
}

func (e *Engine) reconcileAfter(ctx context.Context) {
	if _, err := e.reconciler.Reconcile(ctx); err != nil {
		logger.Warnf("⚠️  post-run reconciliation failed: %v", err)
	}
}

// Clock is the time source every service runs on.
func (e *Engine) Clock() market.Clock { return e.deps.Clock }

// Config returns the configuration the engine was built with.
func (e *Engine) Config() EngineConfig { return e.cfg }
