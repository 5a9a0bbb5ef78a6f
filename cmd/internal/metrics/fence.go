// Package metrics exposes fence outcomes as Prometheus metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"courier/cmd/internal/fence"
)

// FenceObserver implements fence.Observer on Prometheus collectors.
type FenceObserver struct {
	transitions   *prometheus.CounterVec
	authoritative prometheus.Gauge
	heartbeats    prometheus.Counter
	failures      *prometheus.CounterVec
}

var _ fence.Observer = (*FenceObserver)(nil)

// NewFenceObserver creates the collectors and registers them on reg.
// Collectors already registered on reg are reused.
func NewFenceObserver(reg prometheus.Registerer) (*FenceObserver, error) {
	o := &FenceObserver{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "fence",
			Name:      "transitions_total",
			Help:      "Attachment state transitions.",
		}, []string{"from", "to"}),
		authoritative: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier",
			Subsystem: "fence",
			Name:      "authoritative",
			Help:      "Attachments currently holding their account's record.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "fence",
			Name:      "heartbeats_total",
			Help:      "Successful liveness writes.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "fence",
			Name:      "op_failures_total",
			Help:      "Failed store operations by fence operation.",
		}, []string{"op"}),
	}

	if reg == nil {
		return o, nil
	}

	var err error
	if o.transitions, err = register(reg, o.transitions); err != nil {
		return nil, err
	}
	if o.authoritative, err = register(reg, o.authoritative); err != nil {
		return nil, err
	}
	if o.heartbeats, err = register(reg, o.heartbeats); err != nil {
		return nil, err
	}
	if o.failures, err = register(reg, o.failures); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (o *FenceObserver) StateChanged(_ string, from, to fence.State) {
	o.transitions.WithLabelValues(from.String(), to.String()).Inc()

	if to == fence.StateAuthoritative {
		o.authoritative.Inc()
	}
	if from == fence.StateAuthoritative {
		o.authoritative.Dec()
	}
}

func (o *FenceObserver) Heartbeat(string, time.Time) {
	o.heartbeats.Inc()
}

func (o *FenceObserver) OpFailed(err *fence.OpError) {
	if err == nil {
		return
	}
	o.failures.WithLabelValues(string(err.Op)).Inc()
}
