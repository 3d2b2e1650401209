// Package metrics defines the instrumentation surface of runnel and its
// Prometheus implementation.
package metrics

import "time"

// Collector is everything runnel records. Each component takes the narrow
// interface it needs.
type Collector interface {
	StoreMetrics
	StreamMetrics
	RebalanceMetrics
	DeliveryMetrics
	WatchdogMetrics
}

// StoreMetrics matches the Pebble store's metrics hook.
type StoreMetrics interface {
	ObserveWrite(elapsed time.Duration, bytes int)
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int)
}

// StreamMetrics covers the publish side.
type StreamMetrics interface {
	RecordPublish(stream string, partition int, records int)
	// EmitTrimRange matches the event log trim hook.
	EmitTrimRange(stream string, partition uint32, minSeq, maxSeq uint64)
}

// RebalanceMetrics covers the ownership state machine.
type RebalanceMetrics interface {
	RecordStateTransition(processor, from, to string)
	RecordOwnedPartitions(processor, executor string, count int)
	RecordClaim(processor string, won bool)
	RecordLeaseLost(processor string, partition int)
	RecordContention(processor string)
}

// DeliveryMetrics covers the per-partition loop.
type DeliveryMetrics interface {
	RecordFetch(processor string, partition int, records int)
	RecordAck(processor string, partition int, records int)
	RecordCallback(processor string, partition int, elapsed time.Duration, err error)
	RecordPoisoned(processor string, partition int)
}

// WatchdogMetrics covers the stale in-flight scanner.
type WatchdogMetrics interface {
	RecordRequeued(processor string, records int)
}
