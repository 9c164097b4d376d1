// Package metrics exposes run results as Prometheus gauges, either through a
// node_exporter textfile written after each run or an HTTP scrape handler.
package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schaermu/stampd/internal/reconcile"
)

const namespace = "stampd"

// Recorder implements reconcile.Observer
type Recorder struct {
	registry *prometheus.Registry
	textfile string
	logger   *slog.Logger

	files       *prometheus.GaugeVec
	historySize prometheus.Gauge
	lastRun     prometheus.Gauge
	lastSuccess prometheus.Gauge
	duration    prometheus.Gauge
	runs        *prometheus.CounterVec
}

// NewRecorder creates a recorder with its own registry. When textfile is
// non-empty the registry is written there after every run.
func NewRecorder(textfile string, logger *slog.Logger) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		textfile: textfile,
		logger:   logger,
		files: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_files",
			Help:      "Files per category in the latest run.",
		}, []string{"category"}),
		historySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_files",
			Help:      "Files recorded in the history snapshot after the latest run.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Start time of the latest run.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the latest run finished without any error or failed file.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Duration of the latest run.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs by mode and result.",
		}, []string{"mode", "result"}),
	}

	r.registry.MustRegister(r.files, r.historySize, r.lastRun, r.lastSuccess, r.duration, r.runs)
	return r
}

// Registry returns the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry for scraping
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRun records a finished run
func (r *Recorder) ObserveRun(s *reconcile.Summary, err error) {
	if s == nil || s.DryRun {
		return
	}

	result := resultLabel(err)
	r.runs.WithLabelValues(string(s.Mode), result).Inc()
	r.lastRun.Set(float64(s.StartedAt.Unix()))
	r.duration.Set(s.Duration.Seconds())
	if err == nil {
		r.lastSuccess.Set(1)
	} else {
		r.lastSuccess.Set(0)
	}

	if s.Mode == reconcile.ModeNormal {
		r.files.WithLabelValues("current").Set(float64(s.Current.Len()))
		r.files.WithLabelValues("added").Set(float64(s.Added.Len()))
		r.files.WithLabelValues("removed").Set(float64(s.Removed.Len()))
		r.files.WithLabelValues("succeeded").Set(float64(s.Succeeded.Len()))
		r.files.WithLabelValues("failed").Set(float64(s.Failed.Len()))
		r.files.WithLabelValues("skipped").Set(float64(s.Skipped.Len()))
	}
	if s.HistorySaved {
		r.historySize.Set(float64(s.History.Len()))
	}

	if r.textfile != "" {
		if werr := r.WriteTextfile(); werr != nil {
			r.logger.Warn("failed to write metrics textfile", "path", r.textfile, "error", werr)
		}
	}
}

// WriteTextfile writes the registry in text exposition format
func (r *Recorder) WriteTextfile() error {
	if err := os.MkdirAll(filepath.Dir(r.textfile), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(r.textfile, r.registry)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, reconcile.ErrFilesFailed):
		return "partial"
	default:
		return "error"
	}
}
