// ABOUTME: Prometheus collectors for sessions, streaming, analysis, and retrieval
// ABOUTME: All components share one Metrics value wired by the gateway

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the gateway's Prometheus collectors.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	StreamedFragments prometheus.Counter
	MessagesPersisted *prometheus.CounterVec
	AnalysisJobs      *prometheus.CounterVec
	RetrievalQueries  *prometheus.CounterVec
}

// New registers the threadline collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "threadline_active_sessions",
			Help: "Number of live websocket sessions.",
		}),
		StreamedFragments: factory.NewCounter(prometheus.CounterOpts{
			Name: "threadline_streamed_fragments_total",
			Help: "Text fragments forwarded to clients.",
		}),
		MessagesPersisted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threadline_messages_persisted_total",
			Help: "Messages written to the store by sender role.",
		}, []string{"sender"}),
		AnalysisJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threadline_analysis_jobs_total",
			Help: "Analysis job terminal transitions by status.",
		}, []string{"status"}),
		RetrievalQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threadline_retrieval_queries_total",
			Help: "Retrieval engine calls by kind (search, rag).",
		}, []string{"kind"}),
	}
}

// NewNop returns metrics backed by a private registry, for tests and
// metrics-disabled deployments.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
