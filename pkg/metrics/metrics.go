package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "petchat_frames_received_total",
		Help: "Inbound realtime frames by message type",
	}, []string{"type"})

	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "petchat_frames_dropped_total",
		Help: "Inbound or outbound frames dropped, by reason",
	}, []string{"reason"})

	FramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "petchat_frames_sent_total",
		Help: "Outbound frames by destination",
	}, []string{"destination"})

	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "petchat_reconnect_attempts_total",
		Help: "Reconnection attempts after an unexpected close",
	})

	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "petchat_connection_state",
		Help: "0 disconnected, 1 connecting, 2 connected, 3 offline",
	})
)

func Init() {
	prometheus.MustRegister(FramesReceived, FramesDropped, FramesSent, ReconnectAttempts, ConnectionState)
}

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
