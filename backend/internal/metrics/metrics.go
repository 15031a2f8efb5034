// Package metrics 汇总定序服务与客户端会话的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SequencedOps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_sequenced_ops_total",
		Help: "Total number of ops assigned a sequence number",
	})

	RejectedOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_rejected_ops_total",
		Help: "Ops rejected by the sequencer, by reason",
	}, []string{"reason"})

	MinSeqLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collab_min_seq_lag",
		Help: "Distance between the current sequence number and the collaboration window floor",
	}, []string{"doc"})

	KafkaDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_kafka_dropped_total",
		Help: "Sequenced op events dropped after exhausting retries",
	})

	PendingEdits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_client_pending_edits",
		Help: "Local edits awaiting acknowledgement",
	})

	Rebases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_client_rebases_total",
		Help: "Reconnects that regenerated and resubmitted pending edits",
	})

	ProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_client_protocol_violations_total",
		Help: "Acks or nacks that did not match local pending state",
	})
)
