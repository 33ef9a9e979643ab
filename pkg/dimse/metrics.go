package dimse

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DIMSE metrics. Role is "scp" or "scu".
var (
	associationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pacslink_dimse_associations_total",
		Help: "Associations by role and outcome",
	}, []string{"role", "outcome"})

	activeAssociations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pacslink_dimse_active_associations",
		Help: "Inbound associations currently being served",
	})

	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pacslink_dimse_operations_total",
		Help: "DIMSE operations by role, operation and response status",
	}, []string{"role", "operation", "status"})

	operationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pacslink_dimse_operation_seconds",
		Help:    "Time spent handling a DIMSE request on the provider side",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	receivedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pacslink_dimse_received_dataset_bytes_total",
		Help: "Data set bytes received in C-STORE requests",
	})
)
