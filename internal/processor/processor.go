// Package processor runs a handler over every partition of a stream with a
// pool of executors that share ownership through partition leases.
//
// Each executor owns a rebalancer and one delivery loop per owned partition.
// Delivery is at-least-once: a record is acknowledged once the handler moves
// past it, and anything fetched but unacknowledged goes back to the pending
// set when the partition changes hands.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/rzbill/runnel/internal/assign"
	"github.com/rzbill/runnel/internal/backoff"
	"github.com/rzbill/runnel/internal/coord"
	"github.com/rzbill/runnel/internal/delivery"
	"github.com/rzbill/runnel/internal/errs"
	"github.com/rzbill/runnel/internal/eventlog"
	"github.com/rzbill/runnel/internal/metrics"
	"github.com/rzbill/runnel/internal/rebalance"
	pebblestore "github.com/rzbill/runnel/internal/storage/pebble"
	"github.com/rzbill/runnel/internal/watchdog"
	"github.com/rzbill/runnel/pkg/log"
)

// Policy decides what a handler error does to its partition.
type Policy int

const (
	// Halt ends the executor; the failed partition stalls until its lease expires.
	Halt Policy = iota
	// Quarantine poisons the partition until an operator clears it.
	Quarantine
	// Ignore logs the error and acknowledges the record.
	Ignore
)

func (p Policy) String() string {
	switch p {
	case Halt:
		return "halt"
	case Quarantine:
		return "quarantine"
	case Ignore:
		return "ignore"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts the names printed by String, in any case.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "halt":
		return Halt, nil
	case "quarantine":
		return Quarantine, nil
	case "ignore":
		return Ignore, nil
	default:
		return Halt, fmt.Errorf("%w: %q", errs.ErrUnknownPolicy, s)
	}
}

// Handler consumes one partition's records through it.
type Handler func(ctx context.Context, it Iterator) error

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// Chain applies mws so that the first one is outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// deliveryOps is the slice of delivery.Store a partition task drives.
type deliveryOps interface {
	Fetch(ctx context.Context, log *eventlog.Log, partition int, owner string, limit int) ([]delivery.Delivery, error)
	Ack(ctx context.Context, log *eventlog.Log, partition int, owner string, seqs ...uint64) error
	Requeue(ctx context.Context, partition int, owner string, seqs ...uint64) error
	Poison(ctx context.Context, partition int, owner string, seq uint64, reason string) error
	Recover(ctx context.Context, partition int, owner string) (int, error)
	Poisoned(partition int) (delivery.Poison, bool, error)
}

// LogSource hands out the single event log instance of a stream partition.
type LogSource interface {
	Log(stream string, partition int) (*eventlog.Log, error)
}

// Config configures a Processor.
type Config struct {
	Name               string
	Stream             string
	Partitions         int
	Policy             Policy
	PoolSize           int
	LockExpiry         time.Duration
	ReadTimeout        time.Duration
	PrefetchCount      int
	AssignmentAttempts int
	AssignmentSleep    time.Duration
	GracePeriod        time.Duration
	JoinDelay          time.Duration
	MaxTTL             time.Duration
	WatchdogInterval   time.Duration
	Strategy           assign.Strategy
}

// DefaultConfig returns the processor defaults.
func DefaultConfig() Config {
	return Config{
		Policy:             Halt,
		PoolSize:           1,
		LockExpiry:         60 * time.Second,
		ReadTimeout:        2 * time.Second,
		PrefetchCount:      8,
		AssignmentAttempts: 32,
		AssignmentSleep:    2 * time.Second,
		GracePeriod:        8 * time.Second,
		JoinDelay:          2 * time.Second,
		MaxTTL:             120 * time.Second,
		WatchdogInterval:   30 * time.Second,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.LockExpiry <= 0 {
		c.LockExpiry = d.LockExpiry
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = d.PrefetchCount
	}
	if c.AssignmentAttempts <= 0 {
		c.AssignmentAttempts = d.AssignmentAttempts
	}
	if c.AssignmentSleep <= 0 {
		c.AssignmentSleep = d.AssignmentSleep
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.JoinDelay < 0 {
		c.JoinDelay = 0
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = d.MaxTTL
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = d.WatchdogInterval
	}
	if c.Strategy == nil {
		c.Strategy = assign.NewRoundRobin()
	}
}

func (c *Config) validate() error {
	switch {
	case c.Name == "":
		return errs.ErrNameRequired
	case c.Stream == "":
		return errs.ErrStreamRequired
	case c.Partitions <= 0:
		return errs.ErrInvalidPartitionCount
	case c.Policy < Halt || c.Policy > Ignore:
		return fmt.Errorf("%w: %d", errs.ErrUnknownPolicy, int(c.Policy))
	}
	return nil
}

// Processor binds a handler to a stream.
type Processor struct {
	cfg        Config
	db         *pebblestore.DB
	logs       LogSource
	leases     *coord.Store
	deliveries *delivery.Store
	ops        deliveryOps
	handler    Handler
	logger     log.Logger
	metrics    metrics.Collector
	retry      backoff.Policy

	running   atomic.Bool
	executors *xsync.Map[string, *executor]
}

// New validates cfg and builds a Processor. Zero-valued knobs take the
// DefaultConfig values except JoinDelay, where zero means no delay.
func New(db *pebblestore.DB, logs LogSource, cfg Config, handler Handler, logger log.Logger, m metrics.Collector) (*Processor, error) {
	if handler == nil {
		return nil, errs.ErrHandlerRequired
	}
	cfg.fill()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	leases := coord.New(db, cfg.Name)
	deliveries := delivery.New(db, leases)
	return &Processor{
		cfg:        cfg,
		db:         db,
		logs:       logs,
		leases:     leases,
		deliveries: deliveries,
		ops:        deliveries,
		handler:    handler,
		logger:     logger.With(log.Str(log.ProcessorKey, cfg.Name), log.Str("stream", cfg.Stream)),
		metrics:    m,
		retry:      backoff.Default(),
		executors:  xsync.NewMap[string, *executor](),
	}, nil
}

// Config returns the effective configuration.
func (p *Processor) Config() Config { return p.cfg }

// Run starts PoolSize executors and the watchdog and blocks until ctx is
// done and every executor has left. Executors halted by a handler error
// leave early; their errors are joined into the result.
func (p *Processor) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errs.ErrAlreadyRunning
	}
	defer p.running.Store(false)

	p.logger.Info("processor.starting",
		log.Int("pool_size", p.cfg.PoolSize),
		log.Int("partitions", p.cfg.Partitions),
		log.Str("policy", p.cfg.Policy.String()),
		log.Str("strategy", p.cfg.Strategy.Name()),
	)

	var (
		mu    sync.Mutex
		halts []error
		pool  errgroup.Group
	)
	for i := 0; i < p.cfg.PoolSize; i++ {
		ex := newExecutor(ctx, p)
		p.executors.Store(ex.id, ex)
		pool.Go(func() error {
			defer p.executors.Delete(ex.id)
			if err := ex.run(); err != nil {
				mu.Lock()
				halts = append(halts, err)
				mu.Unlock()
			}
			return nil
		})
	}

	wdCtx, stopWatchdog := context.WithCancel(ctx)
	var wd errgroup.Group
	wd.Go(func() error {
		return watchdog.New(p.deliveries, p.leases, watchdog.Config{
			Interval: p.cfg.WatchdogInterval,
			MaxTTL:   p.cfg.MaxTTL,
		}, p.logger, p.metrics).Run(wdCtx)
	})

	_ = pool.Wait()
	stopWatchdog()
	_ = wd.Wait()

	err := errors.Join(halts...)
	if err != nil {
		p.logger.Error("processor.halted", log.Err(err))
	} else {
		p.logger.Info("processor.stopped")
	}
	return err
}

// ClearPoison lifts the quarantine of partition and makes its stuck records
// deliverable again. It returns how many records were moved back to pending.
func (p *Processor) ClearPoison(ctx context.Context, partition int) (int, error) {
	if partition < 0 || partition >= p.cfg.Partitions {
		return 0, fmt.Errorf("%w: %d of %d", errs.ErrPartitionOutOfRange, partition, p.cfg.Partitions)
	}
	n, err := p.deliveries.ClearPoison(ctx, partition)
	if err == nil {
		p.logger.Info("processor.poison_cleared", log.Int("partition", partition), log.Int("records", n))
	}
	return n, err
}

// ExecutorStatus describes one local executor.
type ExecutorStatus struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Owned []int  `json:"owned"`
}

// Status reports the stored state of every partition plus this process's executors.
func (p *Processor) Status(ctx context.Context) (Status, error) {
	st, err := ReadStatus(ctx, p.db, p.logs, p.cfg.Name, p.cfg.Stream, p.cfg.Partitions)
	if err != nil {
		return st, err
	}
	st.Policy = p.cfg.Policy.String()
	p.executors.Range(func(_ string, ex *executor) bool {
		st.Executors = append(st.Executors, ExecutorStatus{ID: ex.id, State: ex.reb.State().String(), Owned: ex.reb.Owned()})
		return true
	})
	return st, nil
}

// Running reports whether Run is active.
func (p *Processor) Running() bool { return p.running.Load() }

// States returns the rebalance state of every local executor keyed by id.
func (p *Processor) States() map[string]rebalance.State {
	out := map[string]rebalance.State{}
	p.executors.Range(func(id string, ex *executor) bool {
		out[id] = ex.reb.State()
		return true
	})
	return out
}
