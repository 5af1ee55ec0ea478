package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the process collectors. A nil *Recorder is a no-op so
// components can be built without metrics in tests.
type Recorder struct {
	reg *prometheus.Registry

	llmCalls       *prometheus.CounterVec
	llmCost        *prometheus.CounterVec
	batchSubmits   *prometheus.CounterVec
	pollTicks      *prometheus.CounterVec
	pollHandles    *prometheus.CounterVec
	stageEntered   *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	fallbacks      *prometheus.CounterVec
	learningPass   *prometheus.HistogramVec
	learningErrors *prometheus.CounterVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		llmCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corthex", Name: "llm_calls_total",
			Help: "Model calls by provider, path and outcome",
		}, []string{"provider", "via", "outcome"}),
		llmCost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corthex", Name: "llm_cost_usd_total",
			Help: "Cumulative model spend in USD",
		}, []string{"provider", "via"}),
		batchSubmits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corthex", Subsystem: "batch", Name: "submissions_total",
			Help: "Batch submissions by provider and outcome",
		}, []string{"provider", "outcome"}),
		pollTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corthex", Subsystem: "batch", Name: "poll_ticks_total",
			Help: "Poller ticks by result",
		}, []string{"result"}),
		pollHandles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corthex", Subsystem: "batch", Name: "handle_transitions_total",
			Help: "Batch handles reaching a terminal state",
		}, []string{"provider", "state"}),
		stageEntered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corthex", Subsystem: "chain", Name: "stage_transitions_total",
			Help: "Chain stage transitions",
		}, []string{"step"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corthex", Subsystem: "chain", Name: "deliveries_total",
			Help: "Delivered chains by final status",
		}, []string{"status"}),
		fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corthex", Subsystem: "chain", Name: "fallbacks_total",
			Help: "Realtime fallbacks by stage",
		}, []string{"step"}),
		learningPass: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corthex", Subsystem: "learning", Name: "pass_duration_seconds",
			Help:    "Duration of learning passes",
			Buckets: prometheus.DefBuckets,
		}, []string{"pass"}),
		learningErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corthex", Subsystem: "learning", Name: "pass_errors_total",
			Help: "Failed learning passes",
		}, []string{"pass"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (r *Recorder) ObserveCall(providerID, via string, costUSD float64, err error) {
	if r == nil {
		return
	}
	r.llmCalls.WithLabelValues(providerID, via, outcome(err)).Inc()
	if costUSD > 0 {
		r.llmCost.WithLabelValues(providerID, via).Add(costUSD)
	}
}

func (r *Recorder) BatchSubmitted(providerID string, err error) {
	if r == nil {
		return
	}
	r.batchSubmits.WithLabelValues(providerID, outcome(err)).Inc()
}

func (r *Recorder) PollTick(result string) {
	if r == nil {
		return
	}
	r.pollTicks.WithLabelValues(result).Inc()
}

func (r *Recorder) HandleFinished(providerID, state string) {
	if r == nil {
		return
	}
	r.pollHandles.WithLabelValues(providerID, state).Inc()
}

func (r *Recorder) StageEntered(step string) {
	if r == nil {
		return
	}
	r.stageEntered.WithLabelValues(step).Inc()
}

func (r *Recorder) Delivered(status string) {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues(status).Inc()
}

func (r *Recorder) Fallback(step string) {
	if r == nil {
		return
	}
	r.fallbacks.WithLabelValues(step).Inc()
}

func (r *Recorder) LearningPass(pass string, seconds float64, err error) {
	if r == nil {
		return
	}
	r.learningPass.WithLabelValues(pass).Observe(seconds)
	if err != nil {
		r.learningErrors.WithLabelValues(pass).Inc()
	}
}
