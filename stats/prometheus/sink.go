// Package prometheus exports FTP statistics events as Prometheus metrics.
package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gonzalop/ftpd/stats"
)

// Sink is a stats.Sink that updates Prometheus collectors.
type Sink struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	loginsTotal       *prometheus.CounterVec
	loginsActive      prometheus.Gauge
	transfersTotal    *prometheus.CounterVec
	transferBytes     *prometheus.CounterVec
	transferDuration  *prometheus.HistogramVec
	fileOperations    *prometheus.CounterVec
}

// New registers the FTP collectors with reg and returns the sink feeding
// them.
func New(reg prometheus.Registerer) *Sink {
	f := promauto.With(reg)
	return &Sink{
		connectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ftpd_connections_total",
			Help: "Control connections accepted",
		}),
		connectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "ftpd_connections_active",
			Help: "Control connections currently open",
		}),
		loginsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpd_logins_total",
			Help: "Login attempts by result",
		}, []string{"result"}),
		loginsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "ftpd_logins_active",
			Help: "Sessions currently logged in",
		}),
		transfersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpd_transfers_total",
			Help: "Completed file transfers by direction",
		}, []string{"direction"}),
		transferBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpd_transfer_bytes_total",
			Help: "Bytes transferred by direction",
		}, []string{"direction"}),
		transferDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ftpd_transfer_duration_seconds",
			Help:    "Duration of completed file transfers",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"direction"}),
		fileOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpd_file_operations_total",
			Help: "Directory and file mutations by operation",
		}, []string{"operation"}),
	}
}

func (s *Sink) Record(ev stats.Event) {
	switch ev.Type {
	case stats.ConnectionOpened:
		s.connectionsTotal.Inc()
		s.connectionsActive.Inc()
	case stats.ConnectionClosed:
		s.connectionsActive.Dec()
	case stats.Login:
		s.loginsTotal.WithLabelValues("success").Inc()
		s.loginsActive.Inc()
	case stats.LoginFailed:
		s.loginsTotal.WithLabelValues("failure").Inc()
	case stats.Logout:
		s.loginsActive.Dec()
	case stats.Upload, stats.Download:
		dir := ev.Type.String()
		s.transfersTotal.WithLabelValues(dir).Inc()
		s.transferBytes.WithLabelValues(dir).Add(float64(ev.Bytes))
		s.transferDuration.WithLabelValues(dir).Observe(ev.Duration.Seconds())
	case stats.MakeDir, stats.RemoveDir, stats.Delete:
		s.fileOperations.WithLabelValues(ev.Type.String()).Inc()
	}
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
