// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn and tool counters.
var (
	ChatTurnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llm_chat_turns_total",
		Help: "Number of chat turns started.",
	})

	ToolExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_chat_tool_executions_total",
		Help: "Number of tool executions by tool and status.",
	}, []string{"tool", "status"})

	UpstreamErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llm_chat_upstream_errors_total",
		Help: "Number of non-2xx replies from model providers.",
	})
)

// AddBuildInfoMetric exposes the build version as a constant gauge.
func AddBuildInfoMetric(version string) {
	buildInfo := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "llm_chat_build_info",
		Help:        "Build information of the running binary.",
		ConstLabels: prometheus.Labels{"version": version},
	}, func() float64 { return 1 })
	prometheus.MustRegister(buildInfo)
}
