package pairing

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/store"
)

// Outcome labels.
const (
	OutcomeOK            = "ok"
	OutcomeNotFound      = "not_found"
	OutcomeAlreadyPaired = "already_paired"
	OutcomeSameValue     = "same_value"
	OutcomeInvalid       = "invalid"
	OutcomeLockTimeout   = "lock_timeout"
	OutcomeSerialization = "serialization"
	OutcomeError         = "error"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	Operations *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	Retries    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pairlock",
				Subsystem: "pairing",
				Name:      "operations_total",
				Help:      "Counter of pairing service operations by outcome.",
			}, []string{"op", "outcome"}),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pairlock",
				Subsystem: "pairing",
				Name:      "operation_duration_seconds",
				Help:      "Bucketed histogram of pairing operation latency, lock waits included.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			}, []string{"op"}),
		Retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pairlock",
				Subsystem: "pairing",
				Name:      "serialization_retries_total",
				Help:      "Counter of transactions retried after a serialization failure.",
			}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.Duration, m.Retries)
	}
	return m
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, outcomeOf(err)).Inc()
	m.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) retried(op string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(op).Inc()
}

func outcomeOf(err error) string {
	if err == nil {
		return OutcomeOK
	}
	if code, ok := entity.CodeOf(err); ok {
		switch code {
		case entity.CodeNotFound:
			return OutcomeNotFound
		case entity.CodeAlreadyPaired:
			return OutcomeAlreadyPaired
		case entity.CodeSameValue:
			return OutcomeSameValue
		case entity.CodeInvalidName:
			return OutcomeInvalid
		}
	}
	switch {
	case errors.Is(err, ErrSelfLink):
		return OutcomeInvalid
	case errors.Is(err, store.ErrLockTimeout):
		return OutcomeLockTimeout
	case errors.Is(err, store.ErrSerialization):
		return OutcomeSerialization
	}
	return OutcomeError
}
