package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pocketd",
			Subsystem: "engine",
			Name:      "loads_total",
			Help:      "Model loads by result",
		},
		[]string{"result"},
	)

	loadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pocketd",
			Subsystem: "engine",
			Name:      "load_duration_seconds",
			Help:      "Duration of successful model loads in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pocketd",
			Subsystem: "engine",
			Name:      "generations_total",
			Help:      "Generations by mode and result",
		},
		[]string{"mode", "result"},
	)

	queueWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pocketd",
			Subsystem: "engine",
			Name:      "queue_waiting",
			Help:      "Generations waiting for the in-flight slot",
		},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal, loadDuration, generationsTotal, queueWaiting)
}

func generationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsInterrupted(err):
		return "interrupted"
	case IsTooBusy(err):
		return "busy"
	}
	return "error"
}
