package downstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_conns",
		Help: "Active websocket connections",
	})
	metricConnOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_conn_open_total",
		Help: "Total websocket connections opened",
	})
	metricAuthFailTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_auth_fail_total",
		Help: "Total failed logins, partitioned by reason",
	}, []string{"reason"})
	metricDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_dropped_total",
		Help: "Total dropped outbound messages",
	}, []string{"why"}) // queue_full / closed / unknown_client
	metricMsgsInTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_msgs_in_total",
		Help: "Total inbound client messages",
	})
	metricMsgsOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_msgs_out_total",
		Help: "Total outbound messages written",
	})
)
