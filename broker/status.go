package broker

import "strings"

// StatusKind is the engine's reading of a broker status string.
type StatusKind int

const (
	KindUnknown StatusKind = iota
	KindPending
	KindPartial
	KindExecuted
	KindRejected
	KindCancelled
)

func (k StatusKind) String() string {
	switch k {
	case KindPending:
		return "pending"
	case KindPartial:
		return "partial"
	case KindExecuted:
		return "executed"
	case KindRejected:
		return "rejected"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the broker considers the order finished.
func (k StatusKind) Terminal() bool {
	return k == KindExecuted || k == KindRejected || k == KindCancelled
}

var statusWords = map[string]StatusKind{
	"complete":                        KindExecuted,
	"completed":                       KindExecuted,
	"traded":                          KindExecuted,
	"executed":                        KindExecuted,
	"filled":                          KindExecuted,
	"rejected":                        KindRejected,
	"cancelled":                       KindCancelled,
	"canceled":                        KindCancelled,
	"cancelled after market order":    KindCancelled,
	"expired":                         KindCancelled,
	"open":                            KindPending,
	"pending":                         KindPending,
	"placed":                          KindPending,
	"trigger pending":                 KindPending,
	"validation pending":              KindPending,
	"put order req received":          KindPending,
	"after market order req received": KindPending,
	"modified":                        KindPending,
	"open pending":                    KindPending,
	"partially filled":                KindPartial,
	"partial":                         KindPartial,
	"partially executed":              KindPartial,
}

// ClassifyStatus maps raw broker status text to a StatusKind. An open order
// with some quantity already filled is partial.
func ClassifyStatus(raw string, qty, filled int64) StatusKind {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Join(strings.Fields(strings.ReplaceAll(s, "_", " ")), " ")
	kind, ok := statusWords[s]
	if !ok {
		switch {
		case strings.Contains(s, "partial"):
			kind = KindPartial
		case strings.Contains(s, "reject"):
			kind = KindRejected
		case strings.Contains(s, "cancel"):
			kind = KindCancelled
		default:
			return KindUnknown
		}
	}
	if kind == KindPending && filled > 0 && (qty == 0 || filled < qty) {
		return KindPartial
	}
	return kind
}
