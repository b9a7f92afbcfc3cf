// Package hook lets outer layers (notifications, dashboards) observe engine
// events without the engine knowing who listens.
package hook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"swingtrader/logger"
)

// Kind names an engine event.
type Kind string

// hook list
const (
	OrderExecuted       Kind = "ORDER_EXECUTED"       // ledger order reached EXECUTED
	OrderRejected       Kind = "ORDER_REJECTED"       // broker rejected an order
	OrderCancelled      Kind = "ORDER_CANCELLED"      // cancelled at the broker or assumed cancelled
	Discrepancy         Kind = "DISCREPANCY"          // reconciliation found a manual trade
	InsufficientBalance Kind = "INSUFFICIENT_BALANCE" // order queued for retry
)

// Event is the payload handed to every hook.
type Event struct {
	Kind          Kind
	Symbol        string
	OrderID       int64
	BrokerOrderID string
	Side          string
	Quantity      int64
	Price         float64
	Reason        string
	Expected      int64 // discrepancies only
	Broker        int64 // discrepancies only
	At            time.Time
}

func (e Event) String() string {
	switch e.Kind {
	case Discrepancy:
		return fmt.Sprintf("%s %s: %s expected=%d broker=%d", e.Kind, e.Symbol, e.Reason, e.Expected, e.Broker)
	case InsufficientBalance:
		return fmt.Sprintf("%s %s: qty=%d %s", e.Kind, e.Symbol, e.Quantity, e.Reason)
	default:
		s := fmt.Sprintf("%s %s %s qty=%d", e.Kind, e.Side, e.Symbol, e.Quantity)
		if e.Price > 0 {
			s += fmt.Sprintf(" @ %.2f", e.Price)
		}
		if e.Reason != "" {
			s += " (" + e.Reason + ")"
		}
		return s
	}
}

type HookFunc func(ctx context.Context, ev Event)

// Registry holds the hooks of one engine instance. The zero value is not
// usable; call NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	hooks   map[Kind][]HookFunc
	enabled bool
}

// NewRegistry creates an enabled, empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[Kind][]HookFunc), enabled: true}
}

// Register adds fn for kind. Hooks run in registration order.
func (r *Registry) Register(kind Kind, fn HookFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[kind] = append(r.hooks[kind], fn)
}

// SetEnabled turns hook execution on or off.
func (r *Registry) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// Fire runs the hooks for ev.Kind synchronously. A panicking hook is logged
// and does not stop the others. A nil registry is a no-op.
func (r *Registry) Fire(ctx context.Context, ev Event) {
	if r == nil {
		return
	}
	r.mu.RLock()
	enabled := r.enabled
	hooks := append([]HookFunc(nil), r.hooks[ev.Kind]...)
	r.mu.RUnlock()

	if !enabled {
		logger.Debugf("🔌 Hooks are disabled, skip hook: %s", ev.Kind)
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	for _, fn := range hooks {
		runHook(ctx, ev, fn)
	}
}

func runHook(ctx context.Context, ev Event, fn HookFunc) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("🔌 hook %s panicked: %v", ev.Kind, rec)
		}
	}()
	fn(ctx, ev)
}
