package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSubOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sub_ops_total",
		Help: "Subscription table operations, partitioned by op and transition",
	}, []string{"op", "transition"})

	metricUpstreamCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_upstream_calls_total",
		Help: "SUBSCRIBE/UNSUBSCRIBE calls issued to the upstream feed",
	}, []string{"method"})

	metricUpstreamReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_upstream_ready",
		Help: "1 while the upstream connection is established",
	})

	metricFanoutMsgs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_fanout_msgs_total",
		Help: "Feed messages delivered downstream (one per interested client)",
	})
	metricFanoutBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_fanout_bytes_total",
		Help: "Feed bytes delivered downstream",
	})

	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_dropped_total",
		Help: "Messages dropped by the relay core",
	}, []string{"why"}) // decode / no_stream / unknown_stream / unknown_method

	metricReplies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_replies_total",
		Help: "check_alive / check_initialized replies sent",
	})
)
