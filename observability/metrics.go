// Package observability holds the Prometheus metrics for the POS engine.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_operations_total",
		Help: "Engine operations by outcome",
	}, []string{
		"operation", // create, void, refund
		"outcome",   // ok, client_error, retryable, error
	})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pos_operation_duration_seconds",
		Help:    "Time spent in an engine operation including store retries",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"operation"})

	saleAmountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_sale_amount_total",
		Help: "Sum of committed transaction totals",
	}, []string{"payment_type"})

	refundAmountTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_refund_amount_total",
		Help: "Sum of committed refund amounts",
	})

	stockUnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_stock_units_total",
		Help: "Units debited from or credited to stock",
	}, []string{"direction"}) // debit, credit

	auditFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_audit_failures_total",
		Help: "Audit events the sink failed to record",
	}, []string{"action"})

	txRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_unit_of_work_retries_total",
		Help: "Units of work retried after a concurrent modification",
	}, []string{"operation"})
)

// RecordOperation counts one engine call and observes its duration.
func RecordOperation(operation, outcome string, d time.Duration) {
	operationsTotal.WithLabelValues(operation, outcome).Inc()
	operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func RecordSale(paymentType string, amount float64) {
	saleAmountTotal.WithLabelValues(paymentType).Add(amount)
}

func RecordRefund(amount float64) {
	refundAmountTotal.Add(amount)
}

func RecordStock(direction string, units int) {
	stockUnitsTotal.WithLabelValues(direction).Add(float64(units))
}

func RecordAuditFailure(action string) {
	auditFailuresTotal.WithLabelValues(action).Inc()
}

func RecordRetry(operation string) {
	txRetriesTotal.WithLabelValues(operation).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
