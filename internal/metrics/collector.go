// Package metrics exposes the node's Prometheus registry: peer/session
// gauges and KTP task-lifecycle counters, scraped by GET /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Collector owns the node's Prometheus registry and the gauges/counters
// fed by the overlay manager, peer sessions, and task engine.
type Collector struct {
	logger *logrus.Logger
	mu     sync.RWMutex

	registry *prometheus.Registry

	peersConnected *prometheus.GaugeVec
	topicsJoined   prometheus.Gauge

	framesDropped   *prometheus.CounterVec
	handshakeErrors prometheus.Counter

	tasksSentTotal     *prometheus.CounterVec
	tasksReceivedTotal *prometheus.CounterVec
	retriesIssued      prometheus.Counter
	tasksDeadLettered  prometheus.Counter

	nodeInfo *prometheus.GaugeVec
}

// New builds a Collector tagged with the node's short ID and role, and
// registers all of its metrics.
func New(logger *logrus.Logger, shortID, role string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		logger:   logger,
		registry: registry,

		peersConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kizuna_peers_connected",
			Help: "Number of peers currently in an active session, by topic.",
		}, []string{"topic"}),

		topicsJoined: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kizuna_topics_joined",
			Help: "Number of topics this node currently has membership in.",
		}),

		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kizuna_frames_dropped_total",
			Help: "Frames dropped on receipt, by reason (bad_signature, malformed).",
		}, []string{"reason"}),

		handshakeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kizuna_handshake_errors_total",
			Help: "Failed inbound or outbound session handshakes.",
		}),

		tasksSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kizuna_tasks_sent_total",
			Help: "Sent-side tasks by terminal state reported by the responder (completed, failed, rejected).",
		}, []string{"state"}),

		tasksReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kizuna_tasks_received_total",
			Help: "Received-side tasks by terminal state (completed, failed, rejected).",
		}, []string{"state"}),

		retriesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kizuna_task_retries_issued_total",
			Help: "Retry attempts issued by the retry reaper.",
		}),

		tasksDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kizuna_tasks_dead_lettered_total",
			Help: "Tasks moved to the dead-letter table after exhausting retries or passing their deadline.",
		}),

		nodeInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kizuna_node_info",
			Help: "Constant 1 gauge carrying the node's short ID and role as labels.",
		}, []string{"short_id", "role"}),
	}

	registry.MustRegister(
		c.peersConnected,
		c.topicsJoined,
		c.framesDropped,
		c.handshakeErrors,
		c.tasksSentTotal,
		c.tasksReceivedTotal,
		c.retriesIssued,
		c.tasksDeadLettered,
		c.nodeInfo,
	)

	c.nodeInfo.WithLabelValues(shortID, role).Set(1)

	return c
}

// Registry returns the registry for the /metrics exporter handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SetPeersConnected records the current peer count for topic.
func (c *Collector) SetPeersConnected(topic string, count int) {
	c.peersConnected.WithLabelValues(topic).Set(float64(count))
}

// SetTopicsJoined records the current number of joined topics.
func (c *Collector) SetTopicsJoined(count int) {
	c.topicsJoined.Set(float64(count))
}

// IncFrameDropped increments the dropped-frame counter for reason.
func (c *Collector) IncFrameDropped(reason string) {
	c.framesDropped.WithLabelValues(reason).Inc()
}

// IncHandshakeError increments the handshake-error counter.
func (c *Collector) IncHandshakeError() {
	c.handshakeErrors.Inc()
}

// IncTaskSent increments the sent-task terminal-state counter.
func (c *Collector) IncTaskSent(state string) {
	c.tasksSentTotal.WithLabelValues(state).Inc()
}

// IncTaskReceived increments the received-task terminal-state counter.
func (c *Collector) IncTaskReceived(state string) {
	c.tasksReceivedTotal.WithLabelValues(state).Inc()
}

// IncRetryIssued increments the retry-issued counter.
func (c *Collector) IncRetryIssued() {
	c.retriesIssued.Inc()
}

// IncTaskDeadLettered increments the dead-letter counter.
func (c *Collector) IncTaskDeadLettered() {
	c.tasksDeadLettered.Inc()
}
