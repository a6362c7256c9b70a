// Package metrics holds the Prometheus collectors shared by the matching
// services and the HTTP layer.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "carelink"

var (
	// RankDuration measures one Rank or FindMatches call.
	// Labels: matcher (template, provider)
	RankDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "matching",
		Name:      "rank_duration_seconds",
		Help:      "Time spent ranking candidates",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"matcher"})

	// CandidateOutcomes counts evaluated candidates by outcome.
	// Labels: matcher, outcome (ranked or a rejection reason)
	CandidateOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "matching",
		Name:      "candidates_total",
		Help:      "Candidates evaluated, by outcome",
	}, []string{"matcher", "outcome"})

	NoMatch = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "matching",
		Name:      "no_match_total",
		Help:      "Rankings that produced no eligible candidate",
	}, []string{"matcher"})

	EvaluationFaults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "evaluation_faults_total",
		Help:      "Rule evaluations that faulted",
	})

	// CapacityConflicts counts reservations refused because headroom ran out.
	// Labels: ledger (memory, postgres, redis)
	CapacityConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capacity",
		Name:      "conflicts_total",
		Help:      "Capacity reservations refused for lack of headroom",
	}, []string{"ledger"})

	// RecommendationsLogged counts durable recommendation log writes.
	// Labels: kind (template, provider), status (ok, error)
	RecommendationsLogged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recommendation",
		Name:      "logged_total",
		Help:      "Recommendation log writes",
	}, []string{"kind", "status"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// ObserveRank records the duration of a ranking started at start.
func ObserveRank(matcher string, start time.Time) {
	RankDuration.WithLabelValues(matcher).Observe(time.Since(start).Seconds())
}

// Middleware counts requests by the matched route template, not the raw path,
// to keep label cardinality bounded.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler exposes the default registry.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
