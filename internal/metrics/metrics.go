// Package metrics exports pipeline outcome counters to Prometheus.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.io/infrasutra/listrelay/internal/ingest"
)

const namespace = "listrelay"

type Metrics struct {
	inbound    *prometheus.CounterVec
	rejections *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	messages   prometheus.Counter
}

// New registers the collectors on reg. Registration fails if called twice
// against the same registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_emails_total",
			Help:      "Inbound emails by terminal disposition.",
		}, []string{"disposition"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejection notices and aborts by reason.",
		}, []string{"disposition", "reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbound fan-out attempts by result.",
		}, []string{"result"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_created_total",
			Help:      "Group and private messages created from inbound email.",
		}),
	}
	for _, c := range []prometheus.Collector{m.inbound, m.rejections, m.deliveries, m.messages} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// Observe implements ingest.Observer.
func (m *Metrics) Observe(_ context.Context, out ingest.Outcome) error {
	m.inbound.WithLabelValues(string(out.Disposition)).Inc()
	switch out.Disposition {
	case ingest.Rejected, ingest.Aborted, ingest.Ignored:
		reason := out.Reason
		if reason == "" {
			reason = "unspecified"
		}
		m.rejections.WithLabelValues(string(out.Disposition), reason).Inc()
	}
	if out.Delivered > 0 {
		m.deliveries.WithLabelValues("sent").Add(float64(out.Delivered))
	}
	if out.Failed > 0 {
		m.deliveries.WithLabelValues("failed").Add(float64(out.Failed))
	}
	m.messages.Add(float64(len(out.MessageIDs)))
	return nil
}
