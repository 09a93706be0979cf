package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Send failure reasons.
const (
	ReasonMissingSender = "missing_sender"
	ReasonQueueFull     = "queue_full"
	ReasonCreateSender  = "create_sender"
	ReasonSend          = "send"
	ReasonEncode        = "encode"
)

// NetworkMetrics holds all Prometheus metrics for the finality network.
// A nil *NetworkMetrics is valid and records nothing.
type NetworkMetrics struct {
	// Peer metrics
	ConnectedPeers *prometheus.GaugeVec
	DeliveryTasks  prometheus.Gauge

	// Message metrics
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	SendFailures     *prometheus.CounterVec
	DecodeFailures   *prometheus.CounterVec

	// Proposal metrics
	ProposalValidations *prometheus.CounterVec
	ProposalsDropped    prometheus.Counter
}

// NewNetworkMetrics creates metrics under namespace and registers them on reg.
func NewNetworkMetrics(namespace string, reg prometheus.Registerer) *NetworkMetrics {
	factory := promauto.With(reg)
	return &NetworkMetrics{
		ConnectedPeers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Number of peers with an open stream, by protocol",
		}, []string{"protocol"}),
		DeliveryTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_tasks_active",
			Help:      "Number of running per-peer delivery tasks",
		}),

		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total messages handed to the transport, by protocol",
		}, []string{"protocol"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total messages forwarded to the user, by protocol",
		}, []string{"protocol"}),
		SendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total dropped outgoing messages, by protocol and reason",
		}, []string{"protocol", "reason"}),
		DecodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Total inbound messages that failed to decode, by protocol",
		}, []string{"protocol"}),

		ProposalValidations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposal_validations_total",
			Help:      "Total proposal bounds validations, by result",
		}, []string{"result"}),
		ProposalsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_dropped_total",
			Help:      "Total valid proposals dropped because the consumer was not keeping up",
		}),
	}
}

// PeerConnected increments the connected peer gauge for protocol.
func (m *NetworkMetrics) PeerConnected(protocol string) {
	if m == nil {
		return
	}
	m.ConnectedPeers.WithLabelValues(protocol).Inc()
}

// PeerDisconnected decrements the connected peer gauge for protocol.
func (m *NetworkMetrics) PeerDisconnected(protocol string) {
	if m == nil {
		return
	}
	m.ConnectedPeers.WithLabelValues(protocol).Dec()
}

// DeliveryTaskStarted records a delivery task start.
func (m *NetworkMetrics) DeliveryTaskStarted() {
	if m == nil {
		return
	}
	m.DeliveryTasks.Inc()
}

// DeliveryTaskStopped records a delivery task exit.
func (m *NetworkMetrics) DeliveryTaskStopped() {
	if m == nil {
		return
	}
	m.DeliveryTasks.Dec()
}

// RecordSent records a message handed to the transport.
func (m *NetworkMetrics) RecordSent(protocol string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(protocol).Inc()
}

// RecordReceived records a message forwarded to the user.
func (m *NetworkMetrics) RecordReceived(protocol string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(protocol).Inc()
}

// RecordSendFailure records a dropped outgoing message.
func (m *NetworkMetrics) RecordSendFailure(protocol, reason string) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(protocol, reason).Inc()
}

// RecordDecodeFailure records an inbound message that failed to decode.
func (m *NetworkMetrics) RecordDecodeFailure(protocol string) {
	if m == nil {
		return
	}
	m.DecodeFailures.WithLabelValues(protocol).Inc()
}

// RecordValidation records the outcome of a proposal bounds check.
func (m *NetworkMetrics) RecordValidation(valid bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if valid {
		result = "accepted"
	}
	m.ProposalValidations.WithLabelValues(result).Inc()
}

// RecordProposalDropped records a valid proposal the consumer had no room for.
func (m *NetworkMetrics) RecordProposalDropped() {
	if m == nil {
		return
	}
	m.ProposalsDropped.Inc()
}

// MetricsServer runs an HTTP server exposing /metrics and /health endpoints.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a new metrics server on the given address serving
// the metrics gathered from gatherer.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the HTTP handler of the server.
func (s *MetricsServer) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server (blocking). It returns nil after Stop.
func (s *MetricsServer) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
