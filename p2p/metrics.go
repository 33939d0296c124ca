package p2p

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *syncMetrics
)

type syncMetrics struct {
	peersConnected prometheus.Gauge
	wireHealth     *prometheus.GaugeVec
	brokenWires    prometheus.Gauge
	messages       *prometheus.CounterVec
	handshake      *prometheus.CounterVec
	blacklisted    prometheus.Counter

	meter            metric.Meter
	messageCounter   metric.Int64Counter
	handshakeCounter metric.Int64Counter
}

func newSyncMetrics() *syncMetrics {
	metricsInitOnce.Do(func() {
		m := &syncMetrics{
			peersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "bassline_sync_peers_connected",
				Help: "Number of currently connected peers.",
			}),
			wireHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "bassline_sync_wire_health",
				Help: "Current health score per wire.",
			}, []string{"wire"}),
			brokenWires: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "bassline_sync_broken_wires",
				Help: "Size of the broken wire set.",
			}),
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bassline_sync_messages_total",
				Help: "Count of protocol messages by direction and type.",
			}, []string{"direction", "type"}),
			handshake: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bassline_sync_handshakes_total",
				Help: "Total handshake outcomes.",
			}, []string{"result"}),
			blacklisted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bassline_sync_blacklisted_peers_total",
				Help: "Peers evicted by the bad-peer filter.",
			}),
		}
		prometheus.MustRegister(m.peersConnected, m.wireHealth, m.brokenWires, m.messages, m.handshake, m.blacklisted)
		m.initMeter()
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *syncMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("bassline/p2p")
	msgCounter, err := meter.Int64Counter("bassline.sync.messages")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("bassline/p2p")
		msgCounter, _ = fallback.Int64Counter("bassline.sync.messages")
		meter = fallback
	}
	hsCounter, err := meter.Int64Counter("bassline.sync.handshakes")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("bassline/p2p")
		hsCounter, _ = fallback.Int64Counter("bassline.sync.handshakes")
		meter = fallback
	}
	m.meter = meter
	m.messageCounter = msgCounter
	m.handshakeCounter = hsCounter
}

func (m *syncMetrics) recordMessage(direction string, msgType byte) {
	if m == nil {
		return
	}
	label := fmt.Sprintf("0x%02x", msgType)
	if direction == "" {
		direction = "unknown"
	}
	m.messages.WithLabelValues(direction, label).Inc()
	if m.messageCounter != nil {
		m.messageCounter.Add(
			context.Background(),
			1,
			metric.WithAttributes(
				attribute.String("direction", direction),
				attribute.String("type", label),
			),
		)
	}
}

func (m *syncMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.handshake.WithLabelValues(result).Inc()
	if m.handshakeCounter != nil {
		m.handshakeCounter.Add(
			context.Background(),
			1,
			metric.WithAttributes(attribute.String("result", result)),
		)
	}
}

func (m *syncMetrics) setPeerCount(n int) {
	if m == nil {
		return
	}
	m.peersConnected.Set(float64(n))
}

func (m *syncMetrics) observeWireHealth(records []WireHealth) {
	if m == nil {
		return
	}
	broken := 0
	for _, rec := range records {
		m.wireHealth.WithLabelValues(rec.WireID).Set(rec.Health)
		if rec.Broken {
			broken++
		}
	}
	m.brokenWires.Set(float64(broken))
}

func (m *syncMetrics) recordBlacklist() {
	if m == nil {
		return
	}
	m.blacklisted.Inc()
}
