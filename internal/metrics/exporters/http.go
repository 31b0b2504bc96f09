// Package exporters exposes metrics over HTTP.
package exporters

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/m2mdec/internal/version"
)

var buildInfoOnce sync.Once

// HTTPHandler returns the handler for /metrics. It serves everything
// registered with the default registry, in OpenMetrics when the scraper
// asks for it, plus an m2mdec_build_info gauge.
func HTTPHandler(logger *slog.Logger) http.Handler {
	buildInfoOnce.Do(registerBuildInfo)

	opts := promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}
	if logger != nil {
		opts.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)
	}
	return promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, opts),
	)
}

func registerBuildInfo() {
	info := version.Get()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "m2mdec",
		Name:      "build_info",
		Help:      "Build metadata of the running binary.",
		ConstLabels: prometheus.Labels{
			"version":    info.Version,
			"commit":     info.GitCommit,
			"go_version": info.GoVersion,
		},
	})
	gauge.Set(1)
	if err := prometheus.Register(gauge); err != nil {
		slog.Warn("Failed to register build info", "error", err)
	}
}
