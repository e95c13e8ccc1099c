package dechat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dechat_server_connections",
		Help: "Open connections, server peers included.",
	})

	channelsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dechat_server_channels",
		Help: "Channels currently hosted.",
	})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dechat_server_frames_received_total",
		Help: "Frames received, by frame type.",
	}, []string{"type"})

	broadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dechat_channel_broadcasts_total",
		Help: "Messages broadcast to channel members.",
	})

	relaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dechat_channel_relays_total",
		Help: "Broadcasts mirrored to linked peers.",
	})

	relaysSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dechat_channel_relays_suppressed_total",
		Help: "Frames dropped by the relay dedup cache.",
	})
)
