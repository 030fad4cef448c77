package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OnlineConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_realtime_online_conns",
		Help: "Current registered websocket connections on this node.",
	})
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_realtime_online_users",
		Help: "Users with at least one live connection on this node.",
	})
	HandshakeRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_realtime_handshake_rejected_total",
		Help: "Websocket handshakes refused before upgrade.",
	}, []string{"reason"})

	FramesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_frames_out_total",
		Help: "Total frames queued to connections.",
	})
	Backpressure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_backpressure_total",
		Help: "Total times a connection outbound queue was full (frame dropped).",
	})
	FramesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_realtime_frames_in_total",
		Help: "Inbound frames by type.",
	}, []string{"type"})

	Published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_realtime_published_total",
		Help: "Events published by the router, by event type.",
	}, []string{"type"})
	PersistFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_persist_fail_total",
		Help: "Publishes aborted because the durable write failed.",
	})

	BrokerOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_broker_out_total",
		Help: "Frames forwarded to other nodes.",
	})
	BrokerIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_broker_in_total",
		Help: "Frames received from other nodes.",
	})
	BreakerOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_breaker_open_total",
		Help: "Total times the broker circuit breaker opened.",
	})
	BreakerDrop = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_breaker_drop_total",
		Help: "Frames not forwarded because the breaker was open.",
	})

	OutboxSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_outbox_sent_total",
		Help: "Outbox records published to MQ.",
	})
	OutboxRetry = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_outbox_retry_total",
		Help: "Outbox publish failures scheduled for retry.",
	})

	IngestConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_ingest_consumed_total",
		Help: "Notification ingest events consumed.",
	})
	IngestDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_ingest_duplicates_total",
		Help: "Ingest events dropped by dedupe.",
	})
)

func Register() {
	prometheus.MustRegister(
		OnlineConns, OnlineUsers, HandshakeRejected,
		FramesOut, Backpressure, FramesIn,
		Published, PersistFail,
		BrokerOut, BrokerIn, BreakerOpen, BreakerDrop,
		OutboxSent, OutboxRetry,
		IngestConsumed, IngestDuplicates,
	)
}
