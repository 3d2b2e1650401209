package runnel

import (
	"github.com/rzbill/runnel/internal/assign"
	"github.com/rzbill/runnel/internal/errs"
	"github.com/rzbill/runnel/internal/processor"
)

var (
	ErrStoreUnavailable       = errs.ErrStoreUnavailable
	ErrLeaseLost              = errs.ErrLeaseLost
	ErrCallback               = errs.ErrCallback
	ErrPoisonedPartition      = errs.ErrPoisonedPartition
	ErrAssignmentContention   = errs.ErrAssignmentContention
	ErrPartitionCountMismatch = errs.ErrPartitionCountMismatch
	ErrInvalidPartitionCount  = errs.ErrInvalidPartitionCount
	ErrPartitionOutOfRange    = errs.ErrPartitionOutOfRange
	ErrStreamRequired         = errs.ErrStreamRequired
	ErrHandlerRequired        = errs.ErrHandlerRequired
	ErrNameRequired           = errs.ErrNameRequired
	ErrPartitionKeyRequired   = errs.ErrPartitionKeyRequired
	ErrUnknownPolicy          = errs.ErrUnknownPolicy
	ErrAlreadyRunning         = errs.ErrAlreadyRunning
	ErrClosed                 = errs.ErrClosed
	ErrNotFound               = errs.ErrNotFound
	ErrUnknownStrategy        = assign.ErrUnknownStrategy
)

type (
	// StoreError wraps a failed store operation; it matches ErrStoreUnavailable.
	StoreError = errs.StoreError
	// CallbackError identifies the record a handler failed on; it matches ErrCallback.
	CallbackError = errs.CallbackError
)

// ExceptionPolicy decides what a handler error does to its partition.
type ExceptionPolicy = processor.Policy

const (
	Halt       = processor.Halt
	Quarantine = processor.Quarantine
	Ignore     = processor.Ignore
)

// ParseExceptionPolicy accepts "halt", "quarantine" or "ignore".
func ParseExceptionPolicy(s string) (ExceptionPolicy, error) { return processor.ParsePolicy(s) }
