// Package metrics exposes ingestion counters in the prometheus format. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dhcgn/dmarc-inbox/model"
	"github.com/dhcgn/dmarc-inbox/stats"
)

const namespace = "dmarc_inbox"

type Metrics struct {
	reg *prometheus.Registry

	events        *prometheus.CounterVec
	evaluated     *prometheus.CounterVec
	dkim          *prometheus.CounterVec
	spf           *prometheus.CounterVec
	reports       prometheus.Gauge
	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	backoff       prometheus.Gauge
	failing       prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_events_total",
				Help:      "Pipeline events, by stage and type.",
			},
			[]string{"stage", "type"},
		),
		evaluated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_evaluated_total",
				Help:      "Messages covered by stored reports, by policy evaluation.",
			},
			[]string{"domain", "disposition", "dkim", "spf"},
		),
		dkim: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dkim_result_total",
				Help:      "Messages covered by stored reports, by DKIM result.",
			},
			[]string{"result"},
		),
		spf: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spf_result_total",
				Help:      "Messages covered by stored reports, by SPF result.",
			},
			[]string{"result"},
		),
		reports: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reports_stored",
			Help:      "Number of distinct reports in the store.",
		}),
		cycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Completed mailbox poll cycles.",
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Duration of mailbox poll cycles.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		backoff: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connect_backoff_seconds",
			Help:      "Current reconnect delay, zero when connected.",
		}),
		failing: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "messages_failing",
			Help:      "Messages whose last processing attempt failed.",
		}),
	}
}

func (m *Metrics) Record(evt stats.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(evt.Stage), string(evt.Type)).Inc()
}

// ObserveReport counts the records of a newly stored report. Duplicates must
// not be passed in.
func (m *Metrics) ObserveReport(r *model.Report) {
	if m == nil || r == nil {
		return
	}
	for _, rec := range r.Records {
		count := float64(rec.Count)
		m.evaluated.With(prometheus.Labels{
			"domain":      r.Policy.Domain,
			"disposition": string(rec.PolicyEvaluated.Disposition),
			"dkim":        string(rec.PolicyEvaluated.DKIM),
			"spf":         string(rec.PolicyEvaluated.SPF),
		}).Add(count)
		for _, d := range rec.DKIM {
			m.dkim.WithLabelValues(string(d.Result)).Add(count)
		}
		for _, s := range rec.SPF {
			m.spf.WithLabelValues(string(s.Result)).Add(count)
		}
	}
}

func (m *Metrics) SetStored(n int) {
	if m == nil {
		return
	}
	m.reports.Set(float64(n))
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) SetBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.backoff.Set(d.Seconds())
}

func (m *Metrics) SetFailing(n int) {
	if m == nil {
		return
	}
	m.failing.Set(float64(n))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
