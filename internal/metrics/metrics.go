package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "thoughtchain_streams_active",
		Help: "Currently streaming sessions",
	})

	StreamsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thoughtchain_streams_total",
		Help: "Finished streams by outcome",
	}, []string{"outcome"})

	StreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "thoughtchain_stream_duration_seconds",
		Help:    "Time from request to terminal state",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	Chunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thoughtchain_chunks_total",
		Help: "Decoded stream chunks by kind",
	}, []string{"kind"})

	ToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thoughtchain_tool_executions_total",
		Help: "Confirmed tool executions by outcome",
	}, []string{"outcome"})

	ToolRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thoughtchain_tool_rejections_total",
		Help: "Tool calls rejected by the user",
	})
)
