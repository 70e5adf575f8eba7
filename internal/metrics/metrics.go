package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the counters the core components report into.
type Metrics struct {
	Recognitions *prometheus.CounterVec
	Reactions    *prometheus.CounterVec
	FeedLoads    *prometheus.CounterVec
	Ingests      *prometheus.CounterVec
}

// New registers the collectors on reg. A nil registry keeps them unregistered,
// which tests use to avoid duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Recognitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carspot",
			Name:      "recognition_submissions_total",
			Help:      "Recognition submissions by outcome.",
		}, []string{"outcome"}),
		Reactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carspot",
			Name:      "reactions_total",
			Help:      "Like and unlike attempts by direction and outcome.",
		}, []string{"direction", "outcome"}),
		FeedLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carspot",
			Name:      "feed_loads_total",
			Help:      "Feed partition loads by partition kind and outcome.",
		}, []string{"partition", "outcome"}),
		Ingests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carspot",
			Name:      "ingests_total",
			Help:      "Upload ingests by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Recognitions, m.Reactions, m.FeedLoads, m.Ingests)
	}
	return m
}

// Nop returns unregistered collectors.
func Nop() *Metrics {
	return New(nil)
}
