package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Collector on a prometheus.Registerer.
type Prometheus struct {
	storeOps     *prometheus.HistogramVec
	storeBytes   *prometheus.CounterVec
	batchOps     prometheus.Histogram
	published    *prometheus.CounterVec
	trimmed      *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	owned        *prometheus.GaugeVec
	claims       *prometheus.CounterVec
	leaseLost    *prometheus.CounterVec
	contention   *prometheus.CounterVec
	fetched      *prometheus.CounterVec
	acked        *prometheus.CounterVec
	callbacks    *prometheus.CounterVec
	callbackTime *prometheus.HistogramVec
	poisoned     *prometheus.CounterVec
	requeued     *prometheus.CounterVec
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus registers runnel's metrics on reg (the default registerer
// when nil) under namespace ("runnel" when empty).
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "runnel"
	}
	p := &Prometheus{
		storeOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "op_duration_seconds",
			Help:      "Latency of partition store operations by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
		}, []string{"op"}),
		storeBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "bytes_total",
			Help:      "Bytes moved through the partition store by kind.",
		}, []string{"op"}),
		batchOps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "batch_ops",
			Help:      "Operations per committed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "published_total",
			Help:      "Records appended per stream partition.",
		}, []string{"stream", "partition"}),
		trimmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "trimmed_total",
			Help:      "Records removed by retention per stream partition.",
		}, []string{"stream", "partition"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rebalance",
			Name:      "state_transitions_total",
			Help:      "Executor state machine transitions.",
		}, []string{"processor", "from", "to"}),
		owned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rebalance",
			Name:      "owned_partitions",
			Help:      "Partitions currently leased by an executor.",
		}, []string{"processor", "executor"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rebalance",
			Name:      "claims_total",
			Help:      "Lease acquire attempts by result.",
		}, []string{"processor", "result"}),
		leaseLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rebalance",
			Name:      "leases_lost_total",
			Help:      "Leases that failed to renew.",
		}, []string{"processor", "partition"}),
		contention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rebalance",
			Name:      "contention_total",
			Help:      "Claim rounds that ran out of attempts.",
		}, []string{"processor"}),
		fetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "fetched_total",
			Help:      "Records marked in-flight.",
		}, []string{"processor", "partition"}),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "acked_total",
			Help:      "Records acknowledged.",
		}, []string{"processor", "partition"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "callbacks_total",
			Help:      "Handler invocations by result.",
		}, []string{"processor", "result"}),
		callbackTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "callback_duration_seconds",
			Help:      "Handler run time per fetched batch.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"processor"}),
		poisoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "poisoned_total",
			Help:      "Partitions quarantined after a handler error.",
		}, []string{"processor", "partition"}),
		requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "requeued_total",
			Help:      "Stale in-flight records returned to pending.",
		}, []string{"processor"}),
	}
	for _, c := range []prometheus.Collector{
		p.storeOps, p.storeBytes, p.batchOps, p.published, p.trimmed,
		p.transitions, p.owned, p.claims, p.leaseLost, p.contention,
		p.fetched, p.acked, p.callbacks, p.callbackTime, p.poisoned, p.requeued,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func part(p int) string { return strconv.Itoa(p) }

func (p *Prometheus) ObserveWrite(elapsed time.Duration, bytes int) {
	p.storeOps.WithLabelValues("write").Observe(elapsed.Seconds())
	p.storeBytes.WithLabelValues("write").Add(float64(bytes))
}

func (p *Prometheus) ObserveRead(elapsed time.Duration, bytes int) {
	p.storeOps.WithLabelValues("read").Observe(elapsed.Seconds())
	p.storeBytes.WithLabelValues("read").Add(float64(bytes))
}

func (p *Prometheus) ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int) {
	p.storeOps.WithLabelValues("commit").Observe(elapsed.Seconds())
	p.storeBytes.WithLabelValues("commit").Add(float64(bytes))
	p.batchOps.Observe(float64(numOps))
}

func (p *Prometheus) RecordPublish(stream string, partition int, records int) {
	p.published.WithLabelValues(stream, part(partition)).Add(float64(records))
}

func (p *Prometheus) EmitTrimRange(stream string, partition uint32, minSeq, maxSeq uint64) {
	if maxSeq < minSeq {
		return
	}
	p.trimmed.WithLabelValues(stream, part(int(partition))).Add(float64(maxSeq - minSeq + 1))
}

func (p *Prometheus) RecordStateTransition(processor, from, to string) {
	p.transitions.WithLabelValues(processor, from, to).Inc()
}

func (p *Prometheus) RecordOwnedPartitions(processor, executor string, count int) {
	p.owned.WithLabelValues(processor, executor).Set(float64(count))
}

func (p *Prometheus) RecordClaim(processor string, won bool) {
	result := "lost"
	if won {
		result = "won"
	}
	p.claims.WithLabelValues(processor, result).Inc()
}

func (p *Prometheus) RecordLeaseLost(processor string, partition int) {
	p.leaseLost.WithLabelValues(processor, part(partition)).Inc()
}

func (p *Prometheus) RecordContention(processor string) {
	p.contention.WithLabelValues(processor).Inc()
}

func (p *Prometheus) RecordFetch(processor string, partition int, records int) {
	p.fetched.WithLabelValues(processor, part(partition)).Add(float64(records))
}

func (p *Prometheus) RecordAck(processor string, partition int, records int) {
	p.acked.WithLabelValues(processor, part(partition)).Add(float64(records))
}

func (p *Prometheus) RecordCallback(processor string, _ int, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.callbacks.WithLabelValues(processor, result).Inc()
	p.callbackTime.WithLabelValues(processor).Observe(elapsed.Seconds())
}

func (p *Prometheus) RecordPoisoned(processor string, partition int) {
	p.poisoned.WithLabelValues(processor, part(partition)).Inc()
}

func (p *Prometheus) RecordRequeued(processor string, records int) {
	p.requeued.WithLabelValues(processor).Add(float64(records))
}
