package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	calculationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insurance_calculations_total",
			Help: "Per-service calculation outcomes",
		},
		[]string{"outcome", "code"},
	)

	calculationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "insurance_calculation_batch_duration_seconds",
			Help:    "Duration of one calculation batch",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	rulePayloadErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "business_rule_payload_errors_total",
			Help: "Business rules skipped because their payload failed to compile",
		},
		[]string{"rule_type"},
	)

	yearFreezes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "financial_year_freezes_total",
			Help: "Financial year freeze attempts by result",
		},
		[]string{"result"},
	)
)

// RecordCalculation counts one per-service outcome ("calculated", "not_covered", "failed").
func RecordCalculation(outcome, code string) {
	calculationsTotal.WithLabelValues(outcome, code).Inc()
}

func ObserveBatch(d time.Duration) {
	calculationDuration.Observe(d.Seconds())
}

func RecordRulePayloadError(ruleType string) {
	rulePayloadErrors.WithLabelValues(ruleType).Inc()
}

func RecordYearFreeze(result string) {
	yearFreezes.WithLabelValues(result).Inc()
}

// Middleware records request counts and latency by route template.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			method := c.Request().Method
			httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
