package metrics

import "time"

// Nop discards everything.
type Nop struct{}

var _ Collector = Nop{}

// NewNop returns a Collector that records nothing.
func NewNop() Nop { return Nop{} }

func (Nop) ObserveWrite(time.Duration, int)                  {}
func (Nop) ObserveRead(time.Duration, int)                   {}
func (Nop) ObserveBatchCommit(time.Duration, int, int)       {}
func (Nop) RecordPublish(string, int, int)                   {}
func (Nop) EmitTrimRange(string, uint32, uint64, uint64)     {}
func (Nop) RecordStateTransition(string, string, string)     {}
func (Nop) RecordOwnedPartitions(string, string, int)        {}
func (Nop) RecordClaim(string, bool)                         {}
func (Nop) RecordLeaseLost(string, int)                      {}
func (Nop) RecordContention(string)                          {}
func (Nop) RecordFetch(string, int, int)                     {}
func (Nop) RecordAck(string, int, int)                       {}
func (Nop) RecordCallback(string, int, time.Duration, error) {}
func (Nop) RecordPoisoned(string, int)                       {}
func (Nop) RecordRequeued(string, int)                       {}
