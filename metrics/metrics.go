// Package metrics holds the engine's Prometheus collectors.
//
//   swingtrader_orders_placed_total{purpose,side}      orders accepted by the broker
//   swingtrader_order_transitions_total{status}        ledger transitions by target status
//   swingtrader_admission_skips_total{reason}          recommendations not placed
//   swingtrader_verifier_cycles_total{result}          status verifier cycles (ok|error)
//   swingtrader_discrepancies_total{kind}              reconciliation adjustments
//   swingtrader_broker_relogins_total{result}          session refreshes (ok|error)
//   swingtrader_open_positions                         open positions after the last reconcile
//
// Collectors are registered on Registry in init() and served at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is private to the process so tests can gather without the
// default registry's Go runtime noise.
var Registry = prometheus.NewRegistry()

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swingtrader_orders_placed_total",
			Help: "Orders accepted by the broker",
		},
		[]string{"purpose", "side"},
	)

	OrderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swingtrader_order_transitions_total",
			Help: "Ledger status transitions by target status",
		},
		[]string{"status"},
	)

	AdmissionSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swingtrader_admission_skips_total",
			Help: "Recommendations that were not placed, by reason code",
		},
		[]string{"reason"},
	)

	VerifierCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swingtrader_verifier_cycles_total",
			Help: "Status verifier cycles by result",
		},
		[]string{"result"},
	)

	Discrepancies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swingtrader_discrepancies_total",
			Help: "Holdings discrepancies applied by reconciliation",
		},
		[]string{"kind"},
	)

	BrokerRelogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swingtrader_broker_relogins_total",
			Help: "Broker session refreshes by result",
		},
		[]string{"result"},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swingtrader_open_positions",
			Help: "Open positions seen by the last reconciliation",
		},
	)
)

func init() {
	Registry.MustRegister(
		OrdersPlaced,
		OrderTransitions,
		AdmissionSkips,
		VerifierCycles,
		Discrepancies,
		BrokerRelogins,
		OpenPositions,
		collectors.NewGoCollector(),
	)
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
