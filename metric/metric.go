package metric

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "turtle"

// Metrics holds the counters for the recognition pipeline.
type Metrics struct {
	FramesDecoded   *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	CommandsApplied *prometheus.CounterVec
	MotionDuration  prometheus.Histogram
	Listening       prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		FramesDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "decoder",
				Name:      "frames_total",
				Help:      "Classified frames seen by the decoder, by result (command, none, invalid)",
			},
			[]string{"result"},
		),

		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "controller",
				Name:      "events_dropped_total",
				Help:      "Recognized commands that never reached the actuator, by reason",
			},
			[]string{"reason"},
		),

		CommandsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "controller",
				Name:      "commands_applied_total",
				Help:      "Motions executed on the actuator, by command label",
			},
			[]string{"command"},
		),

		MotionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "controller",
				Name:      "motion_duration_seconds",
				Help:      "Time spent waiting for the actuator to finish a motion",
				Buckets:   prometheus.DefBuckets,
			},
		),

		Listening: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "controller",
				Name:      "listening",
				Help:      "1 while the controller consumes classifier frames",
			},
		),
	}
}

// Register adds every collector to reg. Already registered collectors are
// not an error.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.FramesDecoded,
		m.EventsDropped,
		m.CommandsApplied,
		m.MotionDuration,
		m.Listening,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return fmt.Errorf("registering collector: %w", err)
		}
	}
	return nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
