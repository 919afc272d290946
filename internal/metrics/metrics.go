// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "studio_active_sessions",
		Help: "Sessions currently holding a live runtime.",
	})

	SignalsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_signaling_messages_total",
		Help: "Signaling messages relayed, by kind.",
	}, []string{"kind"})

	BillingTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studio_billing_ticks_total",
		Help: "Billing ticks recorded.",
	})

	ChargedMinor = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studio_charged_minor_total",
		Help: "Total minor currency units charged.",
	})

	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studio_reconnect_attempts_total",
		Help: "Renegotiation attempts scheduled after degradation.",
	})

	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_sessions_ended_total",
		Help: "Finalized sessions, by end reason.",
	}, []string{"reason"})
)
