package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the simulation server, scraped at /metrics.
var (
	// Simulation metrics
	worldsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_worlds_active",
		Help: "Current number of live worlds",
	})

	ticksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_ticks_total",
		Help: "Total simulation ticks per world",
	}, []string{"world_id"})

	tickFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_tick_failures_total",
		Help: "Total failed simulation steps per world",
	}, []string{"world_id"})

	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_tick_duration_seconds",
		Help:    "Duration of one simulation step",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
	})

	entitiesGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_entities",
		Help: "Current entity count per world",
	}, []string{"world_id"})

	// WebSocket metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Total number of frames sent to subscribers",
	})

	slowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_slow_clients_disconnected_total",
		Help: "Total number of slow subscribers disconnected",
	})

	// Broadcast pipeline metrics
	broadcastFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_frames_total",
		Help: "State frames emitted, by kind (full or delta)",
	}, []string{"kind"})

	serializeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "broadcast_serialize_seconds",
		Help:    "Time to serialize a state payload",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
	})

	// Migration metrics
	migrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "migrations_total",
		Help: "Entity migrations by result (success, failed, no_root_spots)",
	}, []string{"result"})

	// Snapshot metrics
	snapshotSaves = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_saves_total",
		Help: "Total world snapshots written",
	})

	snapshotSaveFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_save_failures_total",
		Help: "Total world snapshot writes that failed",
	})

	snapshotSaveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapshot_save_duration_seconds",
		Help:    "Duration of one snapshot save",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
	})

	// Federation metrics
	federationPeers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "federation_peers",
		Help: "Known peers by status",
	}, []string{"status"})

	peerRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peer_requests_total",
		Help: "Outbound peer requests by method and result",
	}, []string{"method", "result"})

	// Event bus metrics
	eventBusConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "event_bus_connected",
		Help: "Whether the NATS event bus is connected (1) or not (0)",
	})

	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Events published to the bus, by subject",
	}, []string{"subject"})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_memory_bytes",
		Help: "Current process memory usage in bytes",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_cpu_usage_percent",
		Help: "Current process CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	prometheus.MustRegister(worldsActive)
	prometheus.MustRegister(ticksTotal)
	prometheus.MustRegister(tickFailuresTotal)
	prometheus.MustRegister(tickDuration)
	prometheus.MustRegister(entitiesGauge)

	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(slowClientsDisconnected)

	prometheus.MustRegister(broadcastFrames)
	prometheus.MustRegister(serializeDuration)

	prometheus.MustRegister(migrationsTotal)

	prometheus.MustRegister(snapshotSaves)
	prometheus.MustRegister(snapshotSaveFailures)
	prometheus.MustRegister(snapshotSaveDuration)

	prometheus.MustRegister(federationPeers)
	prometheus.MustRegister(peerRequestsTotal)

	prometheus.MustRegister(eventBusConnected)
	prometheus.MustRegister(eventsPublished)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)
}

// SetWorldsActive updates the live world gauge.
func SetWorldsActive(n int) {
	worldsActive.Set(float64(n))
}

// RecordTick records one completed simulation step.
func RecordTick(worldID string, seconds float64) {
	ticksTotal.WithLabelValues(worldID).Inc()
	tickDuration.Observe(seconds)
}

// RecordTickFailure records one failed simulation step.
func RecordTickFailure(worldID string) {
	tickFailuresTotal.WithLabelValues(worldID).Inc()
}

// SetEntityCount updates the per-world entity gauge.
func SetEntityCount(worldID string, n int) {
	entitiesGauge.WithLabelValues(worldID).Set(float64(n))
}

// DropWorldMetrics removes per-world series when a world is deleted.
func DropWorldMetrics(worldID string) {
	ticksTotal.DeleteLabelValues(worldID)
	tickFailuresTotal.DeleteLabelValues(worldID)
	entitiesGauge.DeleteLabelValues(worldID)
}

// ConnectionOpened updates connection gauges on subscribe.
func ConnectionOpened(active int64) {
	connectionsTotal.Inc()
	connectionsActive.Set(float64(active))
}

// ConnectionClosed updates the active connection gauge on unsubscribe.
func ConnectionClosed(active int64) {
	connectionsActive.Set(float64(active))
}

// RecordFrameSent counts one frame delivered to one subscriber.
func RecordFrameSent() {
	messagesSent.Inc()
}

// RecordSlowClientDisconnect counts a subscriber dropped for not keeping up.
func RecordSlowClientDisconnect() {
	slowClientsDisconnected.Inc()
}

// RecordBroadcastFrame counts an emitted payload by kind.
func RecordBroadcastFrame(full bool) {
	if full {
		broadcastFrames.WithLabelValues("full").Inc()
	} else {
		broadcastFrames.WithLabelValues("delta").Inc()
	}
}

// RecordSerialize observes one payload serialization.
func RecordSerialize(seconds float64) {
	serializeDuration.Observe(seconds)
}

// RecordMigration counts a migration outcome: success, failed, no_root_spots.
func RecordMigration(result string) {
	migrationsTotal.WithLabelValues(result).Inc()
}

// RecordSnapshotSave observes one snapshot write.
func RecordSnapshotSave(seconds float64, ok bool) {
	if ok {
		snapshotSaves.Inc()
		snapshotSaveDuration.Observe(seconds)
	} else {
		snapshotSaveFailures.Inc()
	}
}

// SetPeerCounts replaces the per-status peer gauges.
func SetPeerCounts(counts map[string]int) {
	for _, status := range []string{"online", "degraded", "offline"} {
		federationPeers.WithLabelValues(status).Set(float64(counts[status]))
	}
}

// RecordPeerRequest counts one outbound peer call.
func RecordPeerRequest(method, result string) {
	peerRequestsTotal.WithLabelValues(method, result).Inc()
}

// SetEventBusConnected flips the bus connectivity gauge.
func SetEventBusConnected(up bool) {
	if up {
		eventBusConnected.Set(1)
	} else {
		eventBusConnected.Set(0)
	}
}

// RecordEventPublished counts one event published to the bus.
func RecordEventPublished(subject string) {
	eventsPublished.WithLabelValues(subject).Inc()
}

// SetSystemMetrics updates the process resource gauges.
func SetSystemMetrics(cpuPercent float64, memBytes int64, goroutines int) {
	cpuUsagePercent.Set(cpuPercent)
	memoryUsageBytes.Set(float64(memBytes))
	goroutinesActive.Set(float64(goroutines))
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
