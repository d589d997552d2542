// metrics.go - Prometheus-Metriken eines Export-Laufs als Textdatei
package export

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics sammelt Zaehler und Dauern pro Export in einer eigenen Registry
type Metrics struct {
	reg *prometheus.Registry

	exports    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	parameters *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		exports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "grooveexport",
				Name:      "exports_total",
				Help:      "Total number of exported artifacts",
			},
			[]string{"kind", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "grooveexport",
				Name:      "export_duration_seconds",
				Help:      "Duration of loading and exporting one model in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		parameters: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "grooveexport",
				Name:      "model_parameters",
				Help:      "Learnable parameters of a loaded model",
			},
			[]string{"model"},
		),
	}

	m.reg.MustRegister(m.exports, m.duration, m.parameters)
	return m
}

func (m *Metrics) observe(r Result) {
	status := "ok"
	if r.Err != nil {
		status = "error"
	}

	kind := r.Kind
	if kind == "" {
		kind = "load"
	}

	m.exports.WithLabelValues(kind, status).Inc()
	m.duration.WithLabelValues(kind).Observe(r.Duration.Seconds())
}

func (m *Metrics) loaded(inst *Instance) {
	m.parameters.WithLabelValues(inst.Config.Name).Set(float64(inst.NumParams()))
}

// WriteFile schreibt alle Metriken im Textformat (atomar)
func (m *Metrics) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
