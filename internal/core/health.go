package core

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/care/signaldash/internal/framebus"
	"github.com/care/signaldash/internal/router"
	"github.com/care/signaldash/internal/subscriber"
)

// HealthStatus represents the health state of the dashboard service
type HealthStatus struct {
	Status        string            `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64             `json:"uptime_seconds"`
	MQTTConnected bool              `json:"mqtt_connected"`
	MQTT          subscriber.Stats  `json:"mqtt"`
	Router        router.Stats      `json:"router"`
	Bus           framebus.BusStats `json:"bus"`
	HistoryLen    int               `json:"history_len"`
	Decisions     int               `json:"decisions"`
}

// HealthCheck returns the current health status of the service
func (d *Dashboard) HealthCheck() HealthStatus {
	d.mu.RLock()
	running := d.isRunning
	started := d.started
	d.mu.RUnlock()

	status := HealthStatus{
		Status:        "healthy",
		MQTTConnected: d.subscriber.IsConnected(),
		MQTT:          d.subscriber.Stats(),
		Router:        d.router.Stats(),
		Bus:           d.bus.Stats(),
		HistoryLen:    d.history.Len(),
		Decisions:     d.log.Len(),
	}
	if running {
		status.UptimeSeconds = int64(d.clock.Now().Sub(started).Seconds())
	}

	if !running {
		status.Status = "unhealthy"
	} else if !status.MQTTConnected {
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health (simple liveness check)
func (d *Dashboard) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	d.mu.RLock()
	started := d.started
	d.mu.RUnlock()

	response := map[string]interface{}{
		"status": "alive",
		"uptime": int64(d.clock.Now().Sub(started).Seconds()),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness. A disconnected broker is degraded
// but still ready: the operator connects from the dashboard itself.
func (d *Dashboard) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := d.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics in the Prometheus text format
func (d *Dashboard) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	h := d.HealthCheck()
	connected := 0
	if h.MQTTConnected {
		connected = 1
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "signaldash_uptime_seconds %d\n", h.UptimeSeconds)
	fmt.Fprintf(w, "signaldash_mqtt_connected %d\n", connected)
	fmt.Fprintf(w, "signaldash_mqtt_connects_total %d\n", h.MQTT.Connects)
	fmt.Fprintf(w, "signaldash_mqtt_failures_total %d\n", h.MQTT.Failures)
	fmt.Fprintf(w, "signaldash_mqtt_lost_total %d\n", h.MQTT.Lost)
	fmt.Fprintf(w, "signaldash_messages_total %d\n", h.MQTT.Messages)
	fmt.Fprintf(w, "signaldash_messages_handled_total %d\n", h.Router.Handled)
	fmt.Fprintf(w, "signaldash_messages_ignored_total %d\n", h.Router.Ignored)
	fmt.Fprintf(w, "signaldash_messages_failed_total %d\n", h.Router.Failed+h.Router.Recovered)
	fmt.Fprintf(w, "signaldash_updates_published_total %d\n", h.Bus.TotalPublished)
	fmt.Fprintf(w, "signaldash_updates_dropped_total %d\n", h.Bus.TotalDropped)
	fmt.Fprintf(w, "signaldash_clients %d\n", len(h.Bus.Subscribers))
	fmt.Fprintf(w, "signaldash_history_samples %d\n", h.HistoryLen)
	fmt.Fprintf(w, "signaldash_decisions %d\n", h.Decisions)
}
