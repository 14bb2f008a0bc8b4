// Package telemetry holds the bridge's own operational counters, kept on a
// dedicated registry so they never mix with the exported topic metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Registry = prometheus.NewRegistry()

var (
	MessagesHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_exporter_messages_handled_total",
		Help: "Messages dispatched to a metric transformer, by metric name",
	}, []string{"metric"})

	ExtractionMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_exporter_extraction_misses_total",
		Help: "Messages whose topic+payload text did not satisfy both templates",
	}, []string{"metric"})

	CommandsSpawned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_exporter_commands_spawned_total",
		Help: "Commands started by trigger actions, by topic filter",
	}, []string{"topic"})

	CommandsSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_exporter_commands_suppressed_total",
		Help: "Triggers dropped because the previous command was still running",
	}, []string{"topic"})
)

func init() {
	Registry.MustRegister(
		MessagesHandled,
		ExtractionMisses,
		CommandsSpawned,
		CommandsSuppressed,
	)
}

// Handler serves the bridge's own counters in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
