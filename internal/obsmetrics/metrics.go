// Package obsmetrics defines the Prometheus metrics exported by the lbs
// and ddbq daemons, each on its own registry so the ops HTTP surface in
// internal/httpops can serve them without reaching into global state.
package obsmetrics

import "github.com/prometheus/client_golang/prometheus"

// LBS holds the metrics exported by the kivaloo-lbs daemon.
type LBS struct {
	registry *prometheus.Registry

	BlocksStored  prometheus.Gauge
	AppendsTotal  prometheus.Counter
	ReadsTotal    prometheus.Counter
	FreesTotal    prometheus.Counter
	SegmentRolls  prometheus.Counter
	ReadersBusy   prometheus.Gauge
	WriterBusy    prometheus.Gauge
	ConnsOpen     prometheus.Gauge
}

// NewLBS builds a fresh registry and the lbs daemon's metric set.
func NewLBS() *LBS {
	reg := prometheus.NewRegistry()
	m := &LBS{
		registry: reg,
		BlocksStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kivaloo_lbs", Name: "blocks_stored", Help: "Number of blocks currently stored in the log.",
		}),
		AppendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kivaloo_lbs", Name: "appends_total", Help: "Total number of completed APPEND operations.",
		}),
		ReadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kivaloo_lbs", Name: "reads_total", Help: "Total number of completed GET operations.",
		}),
		FreesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kivaloo_lbs", Name: "frees_total", Help: "Total number of completed FREE operations.",
		}),
		SegmentRolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kivaloo_lbs", Name: "segment_rolls_total", Help: "Total number of times a new segment file was created.",
		}),
		ReadersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kivaloo_lbs", Name: "readers_busy", Help: "Number of reader goroutines currently servicing a GET.",
		}),
		WriterBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kivaloo_lbs", Name: "writer_busy", Help: "1 if the writer goroutine is servicing an APPEND, else 0.",
		}),
		ConnsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kivaloo_lbs", Name: "connections_open", Help: "Number of open client connections.",
		}),
	}
	reg.MustRegister(m.BlocksStored, m.AppendsTotal, m.ReadsTotal, m.FreesTotal,
		m.SegmentRolls, m.ReadersBusy, m.WriterBusy, m.ConnsOpen)
	return m
}

// Registry returns the registry holding this collector's metrics.
func (m *LBS) Registry() *prometheus.Registry { return m.registry }

// DDBQ holds the metrics exported by the kivaloo-dynamodb-kv daemon.
type DDBQ struct {
	registry *prometheus.Registry

	QueueDepth        *prometheus.GaugeVec
	RequestsInFlight  *prometheus.GaugeVec
	RequestsTotal     *prometheus.CounterVec
	RetriesTotal      *prometheus.CounterVec
	ThrottlesTotal    *prometheus.CounterVec
	CapacityUnits     *prometheus.GaugeVec
	RequestLatencySec *prometheus.HistogramVec
	ServerPoolSize    prometheus.Gauge
}

// NewDDBQ builds a fresh registry and the ddbq daemon's metric set.
func NewDDBQ() *DDBQ {
	reg := prometheus.NewRegistry()
	m := &DDBQ{
		registry: reg,
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kivaloo_ddbq", Name: "queue_depth", Help: "Number of requests currently queued or in flight.",
		}, []string{"queue"}),
		RequestsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kivaloo_ddbq", Name: "requests_in_flight", Help: "Number of requests currently awaiting a DynamoDB response.",
		}, []string{"queue"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kivaloo_ddbq", Name: "requests_total", Help: "Total number of DynamoDB requests sent, by outcome.",
		}, []string{"queue", "outcome"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kivaloo_ddbq", Name: "retries_total", Help: "Total number of request retries.",
		}, []string{"queue"}),
		ThrottlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kivaloo_ddbq", Name: "throttles_total", Help: "Total number of ProvisionedThroughputExceededException responses.",
		}, []string{"queue"}),
		CapacityUnits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kivaloo_ddbq", Name: "capacity_units", Help: "Current modeled capacity, in units per second.",
		}, []string{"queue"}),
		RequestLatencySec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kivaloo_ddbq", Name: "request_latency_seconds", Help: "DynamoDB request latency.", Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		ServerPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kivaloo_ddbq", Name: "serverpool_size", Help: "Number of live addresses in the DynamoDB server pool.",
		}),
	}
	reg.MustRegister(m.QueueDepth, m.RequestsInFlight, m.RequestsTotal, m.RetriesTotal,
		m.ThrottlesTotal, m.CapacityUnits, m.RequestLatencySec, m.ServerPoolSize)
	return m
}

// Registry returns the registry holding this collector's metrics.
func (m *DDBQ) Registry() *prometheus.Registry { return m.registry }
