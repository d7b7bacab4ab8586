package purchase

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// InvoicesTotal counts invoice requests by outcome.
	InvoicesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "starboard",
			Name:      "invoices_total",
			Help:      "Invoice requests by outcome.",
		},
		[]string{"outcome"},
	)

	// PreCheckoutsTotal counts pre-checkout answers by outcome ("ok" or a rejection reason).
	PreCheckoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "starboard",
			Name:      "pre_checkouts_total",
			Help:      "Pre-checkout queries by outcome.",
		},
		[]string{"outcome"},
	)

	// SettlementsTotal counts settlement confirmations by outcome.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "starboard",
			Name:      "settlements_total",
			Help:      "Settlement confirmations by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		InvoicesTotal,
		PreCheckoutsTotal,
		SettlementsTotal,
	)
}
