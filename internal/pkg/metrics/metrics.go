package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_gate_decisions_total",
		Help: "Gate decisions by outcome and reason code",
	}, []string{"decision", "reason"})

	FacilitatorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paygate_facilitator_latency_seconds",
		Help:    "Facilitator call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	ReplayHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_replay_hits_total",
		Help: "Replay cache hits by cached outcome",
	}, []string{"outcome"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paygate_request_latency_seconds",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
