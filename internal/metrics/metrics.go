package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the service collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry     *prometheus.Registry
	extractions  *prometheus.CounterVec
	segmentation *prometheus.CounterVec
	runs         *prometheus.CounterVec
	statusReads  prometheus.Histogram
	speech       *prometheus.CounterVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Recorder{
		registry: reg,
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "page_extractions_total",
			Help: "Webpage extractions by result.",
		}, []string{"result"}),
		segmentation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "article_segmentations_total",
			Help: "Segmentation requests by result.",
		}, []string{"result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_runs_total",
			Help: "Assistant runs by final status.",
		}, []string{"status"}),
		statusReads: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "assistant_run_status_reads",
			Help:    "Status reads needed for one run to leave queued/in_progress.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 60, 120},
		}),
		speech: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speech_syntheses_total",
			Help: "Text-to-speech calls by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(r.extractions, r.segmentation, r.runs, r.statusReads, r.speech)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Extraction(err error) {
	if r == nil {
		return
	}
	r.extractions.WithLabelValues(result(err)).Inc()
}

func (r *Recorder) Segmentation(err error) {
	if r == nil {
		return
	}
	r.segmentation.WithLabelValues(result(err)).Inc()
}

// Run records the status a run ended with and how many status reads it took.
func (r *Recorder) Run(status string, reads int) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(status).Inc()
	r.statusReads.Observe(float64(reads))
}

func (r *Recorder) Speech(err error) {
	if r == nil {
		return
	}
	r.speech.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
