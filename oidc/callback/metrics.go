// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package callback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edulogin/oidcflow/oidc"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "oidcflow"

// Metrics counts login steps and outcomes.
type Metrics struct {
	steps    *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the login metrics and registers them with reg, or with
// the default registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	const op = "callback.NewMetrics"
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "login_steps_total",
			Help:      "Login flow states reached.",
		}, []string{"state"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "login_outcomes_total",
			Help:      "Handled redirect endpoint requests by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "login_duration_seconds",
			Help:      "Time to handle a redirect endpoint request, token exchange included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
	}
	for _, c := range []prometheus.Collector{m.steps, m.outcomes, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return m, nil
}

// ObserveState is an oidc.WithFlowObserver callback.
func (m *Metrics) ObserveState(_ context.Context, s oidc.FlowState) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(string(s)).Inc()
}

// observe records how a redirect endpoint request ended.
func (m *Metrics) observe(phase string, o *oidc.Outcome, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcomeLabel(o, err)).Inc()
	m.duration.WithLabelValues(phase).Observe(elapsed.Seconds())
}

func outcomeLabel(o *oidc.Outcome, err error) string {
	switch {
	case errors.Is(err, oidc.ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, oidc.ErrUpstream):
		return "upstream_error"
	case errors.Is(err, oidc.ErrIdentity):
		return "identity_error"
	case errors.Is(err, oidc.ErrProtocol):
		return "protocol_error"
	case err != nil:
		return "error"
	case o == nil:
		return "unknown"
	default:
		return string(o.Kind)
	}
}
