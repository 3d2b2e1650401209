package runnel

import (
	"context"
	"fmt"
	"time"

	"github.com/rzbill/runnel/internal/assign"
	"github.com/rzbill/runnel/internal/catalog"
	"github.com/rzbill/runnel/internal/coord"
	"github.com/rzbill/runnel/internal/delivery"
	"github.com/rzbill/runnel/internal/errs"
	"github.com/rzbill/runnel/internal/processor"
)

// Handler consumes one partition's records. Returning nil acknowledges the
// last record pulled; an error is handled by the exception policy.
type Handler[T any] func(ctx context.Context, events *Events[T]) error

type (
	// Status is a processor-wide snapshot.
	Status = processor.Status
	// PartitionStatus is the stored state of one partition.
	PartitionStatus = processor.PartitionStatus
)

// ProcessorOption configures NewProcessor.
type ProcessorOption func(*processorOptions)

type processorOptions struct {
	cfg        processor.Config
	middleware []Middleware
	err        error
}

// WithName names the processor. Processors with the same name share
// partition ownership and cursors. Defaults to the stream name.
func WithName(name string) ProcessorOption { return func(o *processorOptions) { o.cfg.Name = name } }

func WithExceptionPolicy(p ExceptionPolicy) ProcessorOption {
	return func(o *processorOptions) { o.cfg.Policy = p }
}

// WithMiddleware appends mws to the handler chain; the first is outermost.
func WithMiddleware(mws ...Middleware) ProcessorOption {
	return func(o *processorOptions) { o.middleware = append(o.middleware, mws...) }
}

// WithLockExpiry sets the partition lease lifetime. Leases are renewed every
// third of it.
func WithLockExpiry(d time.Duration) ProcessorOption {
	return func(o *processorOptions) { o.cfg.LockExpiry = d }
}

// WithReadTimeout bounds how long an idle partition waits for an append.
func WithReadTimeout(d time.Duration) ProcessorOption {
	return func(o *processorOptions) { o.cfg.ReadTimeout = d }
}

func WithPrefetchCount(n int) ProcessorOption {
	return func(o *processorOptions) { o.cfg.PrefetchCount = n }
}

func WithAssignmentAttempts(n int) ProcessorOption {
	return func(o *processorOptions) { o.cfg.AssignmentAttempts = n }
}

func WithAssignmentSleep(d time.Duration) ProcessorOption {
	return func(o *processorOptions) { o.cfg.AssignmentSleep = d }
}

// WithGracePeriod is how long running handlers may finish on shutdown.
func WithGracePeriod(d time.Duration) ProcessorOption {
	return func(o *processorOptions) { o.cfg.GracePeriod = d }
}

// WithPoolSize runs n executors in this process.
func WithPoolSize(n int) ProcessorOption { return func(o *processorOptions) { o.cfg.PoolSize = n } }

// WithJoinDelay is how long a new executor waits before claiming. Zero
// claims at once.
func WithJoinDelay(d time.Duration) ProcessorOption {
	return func(o *processorOptions) { o.cfg.JoinDelay = d }
}

// WithMaxTTL is the age after which an unacknowledged record is redelivered.
func WithMaxTTL(d time.Duration) ProcessorOption {
	return func(o *processorOptions) { o.cfg.MaxTTL = d }
}

func WithWatchdogInterval(d time.Duration) ProcessorOption {
	return func(o *processorOptions) { o.cfg.WatchdogInterval = d }
}

// WithAssignmentStrategy selects "round_robin" (default) or "consistent_hash".
// Any other name makes NewProcessor fail with ErrUnknownStrategy.
func WithAssignmentStrategy(name string) ProcessorOption {
	return func(o *processorOptions) {
		s, err := assign.ByName(name)
		if err != nil {
			o.err = err
			return
		}
		o.cfg.Strategy = s
	}
}

// Processor runs a handler over every partition of a stream.
type Processor struct {
	p *processor.Processor
}

// NewProcessor binds handler to stream.
func NewProcessor[T any](stream *Stream[T], handler Handler[T], opts ...ProcessorOption) (*Processor, error) {
	if stream == nil {
		return nil, errs.ErrStreamRequired
	}
	if handler == nil {
		return nil, errs.ErrHandlerRequired
	}
	o := processorOptions{cfg: processor.DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.err != nil {
		return nil, o.err
	}
	if o.cfg.Name == "" {
		o.cfg.Name = stream.Name()
	}
	if err := catalog.ValidateName(o.cfg.Name); err != nil {
		return nil, err
	}
	o.cfg.Stream = stream.Name()
	o.cfg.Partitions = stream.PartitionCount()

	c := stream.Codec()
	raw := processor.Chain(func(ctx context.Context, it Iterator) error {
		return handler(ctx, newEvents[T](it, c))
	}, o.middleware...)

	app := stream.app
	rt := app.rt
	p, err := processor.New(rt.DB(), rt, o.cfg, raw, app.logger.WithComponent("processor"), rt.Metrics())
	if err != nil {
		return nil, err
	}
	if err := catalog.EnsureProcessor(context.Background(), rt.DB(), catalog.ProcessorMeta{
		Name:   o.cfg.Name,
		Stream: o.cfg.Stream,
		Policy: o.cfg.Policy.String(),
	}); err != nil {
		return nil, err
	}
	return &Processor{p: p}, nil
}

// Run blocks until ctx is done and every executor has released its
// partitions. Under the Halt policy it returns the CallbackErrors of halted
// executors.
func (p *Processor) Run(ctx context.Context) error { return p.p.Run(ctx) }

// ClearPoison lifts the quarantine of a partition and redelivers its stuck
// records. It returns how many records were requeued.
func (p *Processor) ClearPoison(ctx context.Context, partition int) (int, error) {
	return p.p.ClearPoison(ctx, partition)
}

func (p *Processor) Status(ctx context.Context) (Status, error) { return p.p.Status(ctx) }

func (p *Processor) Name() string { return p.p.Config().Name }

func (p *Processor) Running() bool { return p.p.Running() }

// ReadStatus reports a processor's stored state without running it.
func ReadStatus(ctx context.Context, app *App, processorName string) (Status, error) {
	pm, ok, err := catalog.GetProcessor(app.rt.DB(), processorName)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, fmt.Errorf("%w: processor %q", errs.ErrNotFound, processorName)
	}
	sm, ok, err := catalog.GetStream(app.rt.DB(), pm.Stream)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, fmt.Errorf("%w: stream %q", errs.ErrNotFound, pm.Stream)
	}
	st, err := processor.ReadStatus(ctx, app.rt.DB(), app.rt, pm.Name, sm.Name, sm.Partitions)
	st.Policy = pm.Policy
	return st, err
}

// ClearPoison lifts a partition's quarantine for a processor that may not be
// running in this process.
func ClearPoison(ctx context.Context, app *App, processorName string, partition int) (int, error) {
	pm, ok, err := catalog.GetProcessor(app.rt.DB(), processorName)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: processor %q", errs.ErrNotFound, processorName)
	}
	sm, ok, err := catalog.GetStream(app.rt.DB(), pm.Stream)
	if err != nil {
		return 0, err
	}
	if !ok || partition < 0 || partition >= sm.Partitions {
		return 0, fmt.Errorf("%w: %d", errs.ErrPartitionOutOfRange, partition)
	}
	return delivery.New(app.rt.DB(), coord.New(app.rt.DB(), pm.Name)).ClearPoison(ctx, partition)
}
