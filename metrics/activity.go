package metrics

import (
	"context"
	"net/http"

	auth "github.com/goliatone/go-auth-lifecycle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "auth"

// ActivitySink counts security events by type and severity. It implements
// auth.ActivitySink.
type ActivitySink struct {
	events    *prometheus.CounterVec
	lastEvent *prometheus.GaugeVec
}

var _ auth.ActivitySink = (*ActivitySink)(nil)

// NewActivitySink creates the collectors and registers them with reg.
func NewActivitySink(reg prometheus.Registerer) (*ActivitySink, error) {
	s := &ActivitySink{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "security_events_total",
				Help:      "Total number of authentication security events.",
			},
			[]string{"event", "severity"},
		),
		lastEvent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "security_event_last_timestamp_seconds",
				Help:      "Unix time of the last event of each type.",
			},
			[]string{"event"},
		),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{s.events, s.lastEvent} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return s, nil
}

// Record implements auth.ActivitySink.
func (s *ActivitySink) Record(_ context.Context, event auth.ActivityEvent) error {
	name := string(event.EventType)
	s.events.WithLabelValues(name, event.Severity()).Inc()
	if !event.OccurredAt.IsZero() {
		s.lastEvent.WithLabelValues(name).Set(float64(event.OccurredAt.Unix()))
	}
	return nil
}

// Handler exposes the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
