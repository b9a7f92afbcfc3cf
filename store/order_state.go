package store

// Order statuses. PENDING, ONGOING and RETRY_PENDING are live; the rest are
// terminal.
const (
	StatusPending      = "PENDING"
	StatusOngoing      = "ONGOING"
	StatusExecuted     = "EXECUTED"
	StatusRejected     = "REJECTED"
	StatusCancelled    = "CANCELLED"
	StatusFailed       = "FAILED"
	StatusRetryPending = "RETRY_PENDING"
	StatusClosed       = "CLOSED"
)

// Cancel reasons written by the engine.
const (
	ReasonParameterUpdate = "parameter update"
	ReasonRetryExpired    = "retry window expired"
	ReasonAssumedCancel   = "not found at broker after close"
	ReasonPositionClosed  = "position closed"
	ReasonManualReplace   = "replaced manual order"
)

var nonTerminal = map[string]bool{
	StatusPending:      true,
	StatusOngoing:      true,
	StatusRetryPending: true,
}

// NonTerminalStatuses lists the live statuses.
var NonTerminalStatuses = []string{StatusPending, StatusOngoing, StatusRetryPending}

var transitions = map[string]map[string]bool{
	StatusPending: {
		StatusOngoing:      true,
		StatusExecuted:     true,
		StatusRejected:     true,
		StatusCancelled:    true,
		StatusRetryPending: true,
		StatusFailed:       true,
		StatusClosed:       true,
	},
	StatusOngoing: {
		StatusExecuted:  true,
		StatusRejected:  true,
		StatusCancelled: true,
		StatusClosed:    true,
	},
	StatusRetryPending: {
		StatusPending:   true,
		StatusOngoing:   true,
		StatusCancelled: true,
		StatusFailed:    true,
		StatusClosed:    true,
	},
}

// IsTerminal reports whether status is final.
func IsTerminal(status string) bool {
	return !nonTerminal[status]
}

// CanTransition reports whether from -> to is a legal ledger move.
func CanTransition(from, to string) bool {
	return transitions[from][to]
}
