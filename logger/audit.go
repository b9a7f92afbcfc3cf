package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// The audit trail is a machine-readable JSON-lines stream of every ledger
// status change and reconciliation adjustment. It is separate from the
// human-oriented console log.
var (
	auditMu   sync.RWMutex
	audit     = zerolog.New(io.Discard)
	auditFile *os.File
)

func initAudit(path string) error {
	auditMu.Lock()
	defer auditMu.Unlock()

	var out io.Writer = os.Stdout
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		auditFile = f
		out = f
	}
	zerolog.TimeFieldFormat = time.RFC3339
	audit = zerolog.New(out).With().Timestamp().Str("stream", "audit").Logger()
	return nil
}

// SetAuditOutput points the audit stream at w.
func SetAuditOutput(w io.Writer) {
	auditMu.Lock()
	defer auditMu.Unlock()
	audit = zerolog.New(w).With().Timestamp().Str("stream", "audit").Logger()
}

func closeAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		_ = auditFile.Close()
		auditFile = nil
	}
	audit = zerolog.New(io.Discard)
}

// AuditTransition records an order status change.
func AuditTransition(orderID int64, symbol, from, to, reason string) {
	auditMu.RLock()
	defer auditMu.RUnlock()
	audit.Info().
		Str("event", "order_transition").
		Int64("order_id", orderID).
		Str("symbol", symbol).
		Str("from", from).
		Str("to", to).
		Str("reason", reason).
		Send()
}

// AuditDiscrepancy records a holdings adjustment made by reconciliation.
func AuditDiscrepancy(symbol, kind string, expected, broker int64) {
	auditMu.RLock()
	defer auditMu.RUnlock()
	audit.Warn().
		Str("event", "holdings_discrepancy").
		Str("symbol", symbol).
		Str("kind", kind).
		Int64("expected", expected).
		Int64("broker", broker).
		Int64("diff", broker-expected).
		Send()
}
