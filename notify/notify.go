// Package notify delivers engine hook events to people: the log, a Telegram
// chat, or mobile devices through Firebase Cloud Messaging.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"swingtrader/hook"
	"swingtrader/logger"
)

// Notifier sends one event somewhere.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev hook.Event) error
}

// AllKinds is every event kind the engine fires.
var AllKinds = []hook.Kind{
	hook.OrderExecuted,
	hook.OrderRejected,
	hook.OrderCancelled,
	hook.Discrepancy,
	hook.InsufficientBalance,
}

// Attach registers n for kinds (AllKinds when empty). Delivery failures are
// logged and never reach the engine.
func Attach(reg *hook.Registry, n Notifier, kinds ...hook.Kind) {
	if reg == nil || n == nil {
		return
	}
	if len(kinds) == 0 {
		kinds = AllKinds
	}
	for _, k := range kinds {
		reg.Register(k, func(ctx context.Context, ev hook.Event) {
			if err := n.Notify(ctx, ev); err != nil {
				logger.WithFields(map[string]interface{}{
					"notifier": n.Name(),
					"kind":     string(ev.Kind),
					"symbol":   ev.Symbol,
				}).Warnf("⚠️  notification failed: %v", err)
			}
		})
	}
}

// Title is the short headline used by push channels.
func Title(ev hook.Event) string {
	switch ev.Kind {
	case hook.OrderExecuted:
		return fmt.Sprintf("✅ %s %s executed", ev.Side, ev.Symbol)
	case hook.OrderRejected:
		return fmt.Sprintf("❌ %s %s rejected", ev.Side, ev.Symbol)
	case hook.OrderCancelled:
		return fmt.Sprintf("⚠️ %s %s cancelled", ev.Side, ev.Symbol)
	case hook.Discrepancy:
		return fmt.Sprintf("📦 %s holdings changed", ev.Symbol)
	case hook.InsufficientBalance:
		return fmt.Sprintf("💰 %s queued for retry", ev.Symbol)
	}
	return string(ev.Kind)
}

// Data flattens ev for FCM data payloads.
func Data(ev hook.Event) map[string]string {
	d := map[string]string{
		"kind":   string(ev.Kind),
		"symbol": ev.Symbol,
	}
	if ev.OrderID != 0 {
		d["order_id"] = strconv.FormatInt(ev.OrderID, 10)
	}
	if ev.BrokerOrderID != "" {
		d["broker_order_id"] = ev.BrokerOrderID
	}
	if ev.Quantity != 0 {
		d["quantity"] = strconv.FormatInt(ev.Quantity, 10)
	}
	if ev.Reason != "" {
		d["reason"] = ev.Reason
	}
	return d
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Name() string { return "multi" }

func (m Multi) Notify(ctx context.Context, ev hook.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Log writes events to the process log.
type Log struct{}

func (Log) Name() string { return "log" }

func (Log) Notify(_ context.Context, ev hook.Event) error {
	entry := logger.WithFields(map[string]interface{}{
		"kind":     string(ev.Kind),
		"symbol":   ev.Symbol,
		"order_id": ev.OrderID,
	})
	switch ev.Kind {
	case hook.OrderRejected, hook.Discrepancy, hook.InsufficientBalance:
		entry.Warnf("🔔 %s", ev)
	default:
		entry.Infof("🔔 %s", ev)
	}
	return nil
}
