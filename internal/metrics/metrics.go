// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// routingDecisionsTotal counts routed requests.
	// Labels: tier, model, downgraded (true, false)
	routingDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "routing",
		Name:      "decisions_total",
		Help:      "Total routing decisions by tier and model",
	}, []string{"tier", "model", "downgraded"})

	// admissionDeniedTotal counts rejected requests.
	// Labels: reason (plan_not_entitled, quota_exceeded, rate_limited)
	admissionDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "admission",
		Name:      "denied_total",
		Help:      "Total requests denied at admission",
	}, []string{"reason"})

	ledgerFailOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "admission",
		Name:      "ledger_fail_open_total",
		Help:      "Quota checks admitted because the ledger was unavailable",
	})

	// usageCostUSDTotal tracks computed spend.
	// Labels: feature, model
	usageCostUSDTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "usage",
		Name:      "cost_usd_total",
		Help:      "Cumulative computed cost in USD",
	}, []string{"feature", "model"})

	// usageTokensTotal counts tokens. Labels: model, direction (input, output)
	usageTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "usage",
		Name:      "tokens_total",
		Help:      "Total tokens by model and direction",
	}, []string{"model", "direction"})

	usageDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "usage",
		Name:      "dropped_total",
		Help:      "Usage records that could not be queued",
	})

	// modelCallsTotal counts backend calls.
	// Labels: model, outcome (ok, error, fallback)
	modelCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "model",
		Name:      "calls_total",
		Help:      "Completion backend calls by model and outcome",
	}, []string{"model", "outcome"})

	// supervisorDuration measures two-phase verification latency.
	// Labels: outcome (done, failed)
	supervisorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "supervisor",
		Name:      "duration_seconds",
		Help:      "End-to-end verification latency",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"outcome"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordRouting(tier, model string, downgraded bool) {
	d := "false"
	if downgraded {
		d = "true"
	}
	routingDecisionsTotal.WithLabelValues(tier, model, d).Inc()
}

func RecordDenied(reason string) {
	admissionDeniedTotal.WithLabelValues(reason).Inc()
}

func RecordFailOpen() {
	ledgerFailOpenTotal.Inc()
}

func RecordUsage(feature, model string, inputTokens, outputTokens int, costUSD float64) {
	usageCostUSDTotal.WithLabelValues(feature, model).Add(costUSD)
	usageTokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	usageTokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
}

func RecordUsageDropped() {
	usageDroppedTotal.Inc()
}

func RecordModelCall(model, outcome string) {
	modelCallsTotal.WithLabelValues(model, outcome).Inc()
}

func ObserveSupervisor(outcome string, seconds float64) {
	supervisorDuration.WithLabelValues(outcome).Observe(seconds)
}
