// Package metrics provides Prometheus collectors for the client engine.
//
// All methods are safe on a nil *Metrics so components can run without a
// registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fei_client"

type Metrics struct {
	outstanding      prometheus.Gauge
	transactions     prometheus.Counter
	results          *prometheus.CounterVec
	bytesUploaded    prometheus.Counter
	bytesDownloaded  prometheus.Counter
	transferDuration *prometheus.HistogramVec
	proxiesOpen      prometheus.Gauge
	reconnects       *prometheus.CounterVec
	verifyRetries    prometheus.Counter
}

// New registers the collectors with reg. Passing prometheus.DefaultRegisterer
// exposes them through the default handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		outstanding: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outstanding_transactions",
			Help:      "Transactions whose terminal result has not been consumed",
		}),
		transactions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Total number of transactions started",
		}),
		results: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Results posted to the bus, by outcome class",
		}, []string{"class"}),
		bytesUploaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_uploaded_total",
			Help:      "Total file bytes sent to servers",
		}),
		bytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_downloaded_total",
			Help:      "Total file bytes received from servers",
		}),
		transferDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Duration of single file transfers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),
		proxiesOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Server connections currently open",
		}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts, by server address",
		}, []string{"addr"}),
		verifyRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checksum_retries_total",
			Help:      "Downloads restarted after a checksum mismatch",
		}),
	}
}

func (m *Metrics) SetOutstanding(n int) {
	if m == nil {
		return
	}
	m.outstanding.Set(float64(n))
}

func (m *Metrics) TransactionStarted() {
	if m == nil {
		return
	}
	m.transactions.Inc()
}

func (m *Metrics) ResultPosted(class string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(class).Inc()
}

func (m *Metrics) Uploaded(n int64, d time.Duration) {
	if m == nil {
		return
	}
	m.bytesUploaded.Add(float64(n))
	m.transferDuration.WithLabelValues("upload").Observe(d.Seconds())
}

func (m *Metrics) Downloaded(n int64, d time.Duration) {
	if m == nil {
		return
	}
	m.bytesDownloaded.Add(float64(n))
	m.transferDuration.WithLabelValues("download").Observe(d.Seconds())
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.proxiesOpen.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.proxiesOpen.Dec()
}

func (m *Metrics) Reconnect(addr string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(addr).Inc()
}

func (m *Metrics) VerifyRetry() {
	if m == nil {
		return
	}
	m.verifyRetries.Inc()
}
