/*
Package observability builds the logger and the Prometheus collectors shared
by the server, the enrollment service and the placement worker.

LOGGING:
  NewLogger("production") returns a JSON zap logger at info level.
  Any other env returns a development console logger at debug level.

METRICS:
  course_market_enrollments_total{outcome}   success | already_enrolled |
                                             course_unavailable |
                                             insufficient_funds | error
  course_market_placements_total{outcome}    placed | failed
  course_market_group_pools_created_total    pools created on first purchase

  Metrics methods are nil-safe so services can run without a registry in tests.
*/
package observability

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// =============================================================================
// LOGGER
// =============================================================================

func NewLogger(env string) (*zap.Logger, error) {
	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// =============================================================================
// METRICS
// =============================================================================

const namespace = "course_market"

// Outcome labels for the placement counter.
const (
	PlacementPlaced = "placed"
	PlacementFailed = "failed"
)

type Metrics struct {
	enrollments  *prometheus.CounterVec
	placements   *prometheus.CounterVec
	poolsCreated prometheus.Counter
}

// NewMetrics registers the collectors on reg. A collector that is already
// registered is reused, so several servers can share one registry in tests.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	enrollments := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrollments_total",
			Help:      "Course purchase attempts by outcome.",
		},
		[]string{"outcome"},
	)
	placements := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placements_total",
			Help:      "Group placement attempts by outcome.",
		},
		[]string{"outcome"},
	)
	poolsCreated := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_pools_created_total",
			Help:      "Group pools created on a course's first purchase.",
		},
	)

	m := &Metrics{enrollments: enrollments, placements: placements, poolsCreated: poolsCreated}

	if err := reg.Register(enrollments); err != nil {
		existing, err := reuse[*prometheus.CounterVec](err)
		if err != nil {
			return nil, err
		}
		m.enrollments = existing
	}
	if err := reg.Register(placements); err != nil {
		existing, err := reuse[*prometheus.CounterVec](err)
		if err != nil {
			return nil, err
		}
		m.placements = existing
	}
	if err := reg.Register(poolsCreated); err != nil {
		existing, err := reuse[prometheus.Counter](err)
		if err != nil {
			return nil, err
		}
		m.poolsCreated = existing
	}

	return m, nil
}

func reuse[C prometheus.Collector](err error) (C, error) {
	var zero C
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return zero, fmt.Errorf("failed to register metric: %w", err)
	}
	existing, ok := already.ExistingCollector.(C)
	if !ok {
		return zero, fmt.Errorf("metric registered with a different type: %w", err)
	}
	return existing, nil
}

func (m *Metrics) Enrollment(outcome string) {
	if m == nil {
		return
	}
	m.enrollments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Placement(outcome string) {
	if m == nil {
		return
	}
	m.placements.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PoolCreated() {
	if m == nil {
		return
	}
	m.poolsCreated.Inc()
}
