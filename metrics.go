package chatcore

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors exported by a session. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ingested     *prometheus.CounterVec
	duplicates   *prometheus.CounterVec
	reconciled   prometheus.Counter
	tombstones   prometheus.Counter
	published    *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	reconnects   prometheus.Counter
	state        *prometheus.GaugeVec
	receipts     *prometheus.CounterVec
	syncRuns     *prometheus.CounterVec
	syncDuration prometheus.Histogram
	unread       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil
// registerer leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "messages_ingested_total",
			Help:      "Messages inserted into the store, by delivery path.",
		}, []string{"path"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "messages_duplicate_total",
			Help:      "Deliveries of messages already held by the store, by delivery path.",
		}, []string{"path"}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "messages_reconciled_total",
			Help:      "Temporary messages replaced by their acknowledged copy.",
		}),
		tombstones: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "messages_tombstoned_total",
			Help:      "Messages marked deleted.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Subsystem: "channel",
			Name:      "publish_total",
			Help:      "Socket publishes, by outcome (sent, queued, rejected).",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Subsystem: "channel",
			Name:      "queue_depth",
			Help:      "Publishes waiting for the channel to become ready.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Subsystem: "channel",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Subsystem: "channel",
			Name:      "state",
			Help:      "1 for the current channel state, 0 otherwise.",
		}, []string{"state"}),
		receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "receipt_flush_total",
			Help:      "Read-receipt flushes, by result.",
		}, []string{"result"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "sync_runs_total",
			Help:      "Offline reconciliation runs, by result.",
		}, []string{"result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatcore",
			Name:      "sync_duration_seconds",
			Help:      "Duration of offline reconciliation runs.",
			Buckets:   prometheus.DefBuckets,
		}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Name:      "unread_total",
			Help:      "Sum of unread counts across the conversation directory.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ingested, m.duplicates, m.reconciled, m.tombstones,
			m.published, m.queueDepth, m.reconnects, m.state,
			m.receipts, m.syncRuns, m.syncDuration, m.unread,
		)
	}
	return m
}

func (m *Metrics) ingestedMsg(path IngestPath) {
	if m != nil {
		m.ingested.WithLabelValues(string(path)).Inc()
	}
}

func (m *Metrics) duplicate(path IngestPath) {
	if m != nil {
		m.duplicates.WithLabelValues(string(path)).Inc()
	}
}

func (m *Metrics) reconciledMsg() {
	if m != nil {
		m.reconciled.Inc()
	}
}

func (m *Metrics) tombstoned() {
	if m != nil {
		m.tombstones.Inc()
	}
}

func (m *Metrics) publish(outcome string) {
	if m != nil {
		m.published.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) setQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) setState(s ChannelState) {
	if m == nil {
		return
	}
	for _, st := range allChannelStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) receiptFlush(ok bool) {
	if m != nil {
		m.receipts.WithLabelValues(result(ok)).Inc()
	}
}

func (m *Metrics) syncRun(ok bool, seconds float64) {
	if m != nil {
		m.syncRuns.WithLabelValues(result(ok)).Inc()
		m.syncDuration.Observe(seconds)
	}
}

func (m *Metrics) setUnread(n int) {
	if m != nil {
		m.unread.Set(float64(n))
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
