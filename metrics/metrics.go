package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "silius"

// Metrics carries the bundler's instrumented counters and gauges; the
// node increments them through the methods below.
type Metrics struct {
	userOpsReceived *prometheus.CounterVec
	userOpsAdmitted prometheus.Counter
	userOpsRejected *prometheus.CounterVec
	mempoolSize     prometheus.Gauge

	bundlesSubmitted prometheus.Counter
	bundleOps        prometheus.Histogram

	gossipReceived  prometheus.Counter
	gossipForwarded prometheus.Counter
	peers           prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		userOpsReceived: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "user_ops_received_total",
				Help:      "User operations received, by source (rpc or p2p)",
			}, []string{"source"}),

		userOpsAdmitted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "user_ops_admitted_total",
				Help:      "User operations that passed validation and entered the mempool",
			}),

		userOpsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "user_ops_rejected_total",
				Help:      "User operations rejected by the validation pipeline, by reason",
			}, []string{"reason"}),

		mempoolSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mempool_size",
				Help:      "User operations currently pooled",
			}),

		bundlesSubmitted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bundles_submitted_total",
				Help:      "handleOps transactions handed to the network",
			}),

		bundleOps: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bundle_ops",
				Help:      "User operations per submitted bundle",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
			}),

		gossipReceived: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gossip_user_ops_received_total",
				Help:      "User operations received from the gossip mesh",
			}),

		gossipForwarded: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gossip_user_ops_forwarded_total",
				Help:      "Locally admitted user operations published to the gossip mesh",
			}),

		peers: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "p2p_peers",
				Help:      "Connected peers on supported mempool topics",
			}),
	}
}

func (m *Metrics) IncUserOpReceived(source string) { m.userOpsReceived.WithLabelValues(source).Inc() }
func (m *Metrics) IncUserOpAdmitted()              { m.userOpsAdmitted.Inc() }
func (m *Metrics) IncUserOpRejected(reason string) { m.userOpsRejected.WithLabelValues(reason).Inc() }
func (m *Metrics) SetMempoolSize(n int)            { m.mempoolSize.Set(float64(n)) }

func (m *Metrics) IncBundleSubmitted(ops int) {
	m.bundlesSubmitted.Inc()
	m.bundleOps.Observe(float64(ops))
}

func (m *Metrics) IncGossipReceived()  { m.gossipReceived.Inc() }
func (m *Metrics) IncGossipForwarded() { m.gossipForwarded.Inc() }
func (m *Metrics) SetPeerCount(n int)  { m.peers.Set(float64(n)) }
