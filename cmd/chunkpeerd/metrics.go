package main

import (
	"net/http"

	"github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dannyzb/chunkpeer"
)

// serveMetrics starts a background HTTP server exposing Prometheus metrics
// at /metrics and returns the collector set the Manager should update.
// Enabled only when METRICS_ADDR is set — this is ambient observability,
// never a protocol feature, so its absence changes nothing about wire
// behavior.
func serveMetrics(addr string, logger log.Logger) *chunkpeer.Metrics {
	reg := prometheus.NewRegistry()
	m := chunkpeer.NewMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Levelf(log.Warning, "chunkpeer: metrics server on %s: %v", addr, err)
		}
	}()
	return m
}
