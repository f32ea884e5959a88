package manager

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the orchestrator's Prometheus collectors.
type Metrics struct {
	installs          *prometheus.CounterVec
	voiceoverSeconds  *prometheus.HistogramVec
	voiceoverFailures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		installs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mitavoice",
				Name:      "install_total",
				Help:      "Model installs by result",
			},
			[]string{"model", "result"},
		),
		voiceoverSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mitavoice",
				Name:      "voiceover_seconds",
				Help:      "Duration of successful voiceovers in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"model"},
		),
		voiceoverFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mitavoice",
				Name:      "voiceover_failures_total",
				Help:      "Voiceovers that produced no audio",
			},
			[]string{"model"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.installs, m.voiceoverSeconds, m.voiceoverFailures)
	}
	return m
}

func (m *Metrics) install(model, result string) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(model, result).Inc()
}

func (m *Metrics) voiceover(model string, seconds float64, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.voiceoverSeconds.WithLabelValues(model).Observe(seconds)
		return
	}
	m.voiceoverFailures.WithLabelValues(model).Inc()
}
