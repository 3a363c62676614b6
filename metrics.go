package atmnet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallsTotal counts call outcomes seen at each node, by role
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atmnet_calls_total",
			Help: "Calls reaching a terminal outcome, by node and outcome",
		},
		[]string{"node", "outcome"},
	)

	// SignalsTotal counts signaling messages sent and received
	SignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atmnet_signals_total",
			Help: "Signaling messages, by node, message kind and direction",
		},
		[]string{"node", "kind", "dir"},
	)

	// CellsTotal counts cells sent, switched and received
	CellsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atmnet_cells_total",
			Help: "Cells handled by the adaptation layer, by node and stage",
		},
		[]string{"node", "stage"},
	)

	// DropsTotal counts discarded data, by reason
	DropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atmnet_drops_total",
			Help: "Discarded cells, pdus and buffered datagrams, by node and reason",
		},
		[]string{"node", "reason"},
	)

	// AdmissionsTotal counts VPI reservations, accepted or refused
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atmnet_admissions_total",
			Help: "Bandwidth/VPI admission decisions, by interface and result",
		},
		[]string{"intrfc", "result"},
	)
)
