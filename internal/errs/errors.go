// Package errs holds runnel's error taxonomy. The public package re-exports
// every sentinel declared here.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable marks a transient failure of the partition store.
	ErrStoreUnavailable = errors.New("runnel: partition store unavailable")
	// ErrLeaseLost is returned when an executor no longer holds a live lease on
	// the partition it is working on.
	ErrLeaseLost = errors.New("runnel: partition lease lost")
	// ErrCallback matches every *CallbackError.
	ErrCallback = errors.New("runnel: processor callback failed")
	// ErrPoisonedPartition is returned for work on a quarantined partition.
	ErrPoisonedPartition = errors.New("runnel: partition is poisoned")
	// ErrAssignmentContention is logged when assignment attempts run out.
	ErrAssignmentContention = errors.New("runnel: partition assignment contention")

	ErrPartitionCountMismatch = errors.New("runnel: stream partition count differs from the stored value")
	ErrInvalidPartitionCount  = errors.New("runnel: partition count must be positive")
	ErrPartitionOutOfRange    = errors.New("runnel: partition index out of range")
	ErrStreamRequired         = errors.New("runnel: stream is required")
	ErrHandlerRequired        = errors.New("runnel: handler function is required")
	ErrNameRequired           = errors.New("runnel: name is required")
	ErrPartitionKeyRequired   = errors.New("runnel: partition_by is required")
	ErrUnknownPolicy          = errors.New("runnel: unknown exception policy")
	ErrAlreadyRunning         = errors.New("runnel: processor is already running")
	ErrClosed                 = errors.New("runnel: app is closed")
	ErrNotFound               = errors.New("runnel: not found")
)

// StoreError wraps a store failure with the operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("runnel: store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStoreUnavailable) match any StoreError.
func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// Store wraps err as a StoreError unless it is nil or already one.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// CallbackError carries the failing record's coordinates.
type CallbackError struct {
	Processor string
	Partition int
	Seq       uint64
	Err       error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("runnel: processor %q partition %d seq %d: %v", e.Processor, e.Partition, e.Seq, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

func (e *CallbackError) Is(target error) bool { return target == ErrCallback }

// LeaseLost annotates ErrLeaseLost with the partition and the observed owner.
func LeaseLost(processor string, partition int, owner string) error {
	if owner == "" {
		return fmt.Errorf("%w: processor %q partition %d has no lease", ErrLeaseLost, processor, partition)
	}
	return fmt.Errorf("%w: processor %q partition %d is held by %s", ErrLeaseLost, processor, partition, owner)
}
