// Package rebalance runs one executor's partition ownership state machine:
// Joining, Claiming, Owning, Releasing, Left.
//
// Executors never talk to each other. Each one registers a membership record,
// computes its share of the partitions from the live member list and claims
// it through set-if-absent-or-expired leases in the coordination store.
package rebalance

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/rzbill/runnel/internal/assign"
	"github.com/rzbill/runnel/internal/backoff"
	"github.com/rzbill/runnel/internal/coord"
	"github.com/rzbill/runnel/internal/errs"
	"github.com/rzbill/runnel/internal/metrics"
	"github.com/rzbill/runnel/pkg/log"
)

// Tasks runs delivery for the partitions an executor owns.
type Tasks interface {
	// Start begins delivery on a freshly claimed partition.
	Start(partition int, lease coord.Lease)
	// Stop ends delivery on partition and waits for it. With drain the
	// running handler gets the grace period to finish; without it the
	// handler context is cancelled at once.
	Stop(partition int, drain bool)
}

// Config holds the knobs of one executor.
type Config struct {
	Processor          string
	Executor           string
	Partitions         int
	LockExpiry         time.Duration
	AssignmentAttempts int
	AssignmentSleep    time.Duration
	JoinDelay          time.Duration
	Strategy           assign.Strategy
	Metadata           map[string]string
}

func (c *Config) setDefaults() {
	if c.LockExpiry <= 0 {
		c.LockExpiry = 60 * time.Second
	}
	if c.AssignmentAttempts <= 0 {
		c.AssignmentAttempts = 32
	}
	if c.AssignmentSleep <= 0 {
		c.AssignmentSleep = 2 * time.Second
	}
	if c.Strategy == nil {
		c.Strategy = assign.NewRoundRobin()
	}
}

// RenewInterval is how often held leases and the membership record are extended.
func (c Config) RenewInterval() time.Duration { return c.LockExpiry / 3 }

// Rebalancer is safe for concurrent use; Run must be called once.
type Rebalancer struct {
	cfg     Config
	leases  *coord.Store
	tasks   Tasks
	logger  log.Logger
	metrics metrics.RebalanceMetrics
	retry   backoff.Policy

	state       atomic.Int32
	owned       *xsync.Map[int, coord.Lease]
	halt        atomic.Pointer[haltState]
	wake        chan struct{}
	members     []string
	subscribers *xsync.Map[uint64, *subscriber]
	nextSub     atomic.Uint64
}

type haltState struct {
	partition int
	err       error
}

// New builds a Rebalancer. A nil collector records nothing.
func New(leases *coord.Store, cfg Config, tasks Tasks, logger log.Logger, m metrics.RebalanceMetrics) *Rebalancer {
	cfg.setDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	r := &Rebalancer{
		cfg:    cfg,
		leases: leases,
		tasks:  tasks,
		logger: logger.WithComponent("rebalance").With(
			log.Str(log.ProcessorKey, cfg.Processor),
			log.Str(log.ExecutorKey, cfg.Executor),
		),
		metrics:     m,
		retry:       backoff.Default(),
		owned:       xsync.NewMap[int, coord.Lease](),
		wake:        make(chan struct{}, 1),
		subscribers: xsync.NewMap[uint64, *subscriber](),
	}
	r.state.Store(int32(Joining))
	return r
}

// State returns the current state.
func (r *Rebalancer) State() State { return State(r.state.Load()) }

// Executor returns the executor id this machine runs for.
func (r *Rebalancer) Executor() string { return r.cfg.Executor }

// Owned returns the partitions currently leased, ascending.
func (r *Rebalancer) Owned() []int {
	out := make([]int, 0, r.owned.Size())
	r.owned.Range(func(p int, _ coord.Lease) bool {
		out = append(out, p)
		return true
	})
	sort.Ints(out)
	return out
}

// Subscribe returns a channel of state changes, starting with the current
// state. The channel is closed when the machine reaches Left or on unsubscribe.
func (r *Rebalancer) Subscribe() (<-chan State, func()) {
	id := r.nextSub.Add(1)
	sub := &subscriber{ch: make(chan State, 8)}
	r.subscribers.Store(id, sub)
	sub.send(r.State())
	if r.State() == Left {
		r.subscribers.Delete(id)
		sub.close()
	}
	return sub.ch, func() {
		if s, ok := r.subscribers.LoadAndDelete(id); ok {
			s.close()
		}
	}
}

// TaskEnded is called by a delivery task that stopped on its own. A callback
// error halts the executor; anything else makes the partition claimable again.
func (r *Rebalancer) TaskEnded(partition int, err error) {
	if _, ok := r.owned.LoadAndDelete(partition); !ok {
		return
	}
	r.metrics.RecordOwnedPartitions(r.cfg.Processor, r.cfg.Executor, r.owned.Size())
	switch {
	case errors.Is(err, errs.ErrCallback):
		r.halt.CompareAndSwap(nil, &haltState{partition: partition, err: err})
		r.logger.Error("rebalance.halt", log.Int("partition", partition), log.Err(err))
	case errors.Is(err, errs.ErrLeaseLost):
		r.metrics.RecordLeaseLost(r.cfg.Processor, partition)
		r.logger.Warn("rebalance.lease_lost", log.Int("partition", partition), log.Err(err))
	default:
		r.logger.Warn("rebalance.task_ended", log.Int("partition", partition), log.Err(err))
	}
	r.signal()
}

func (r *Rebalancer) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drives the machine until ctx is done or a handler halts the executor.
// It always finishes in Left with every lease it could release released. The
// returned error is the halting callback error, if any.
func (r *Rebalancer) Run(ctx context.Context) error {
	defer r.closeSubscribers()

	if err := r.join(ctx); err != nil {
		r.leave()
		return nil
	}
	if err := backoff.Sleep(ctx, r.cfg.JoinDelay); err != nil {
		r.leave()
		return nil
	}

	tick := time.NewTicker(r.cfg.RenewInterval())
	defer tick.Stop()

	needClaim := true
	for {
		if h := r.halt.Load(); h != nil {
			r.leave()
			return h.err
		}
		if needClaim {
			r.transition(Claiming)
			r.claim(ctx)
			if ctx.Err() == nil {
				r.transition(Owning)
			}
			needClaim = false
		}
		select {
		case <-ctx.Done():
			r.leave()
			return nil
		case <-r.wake:
			needClaim = true
		case <-tick.C:
			needClaim = r.tickOwning(ctx)
		}
	}
}

func (r *Rebalancer) join(ctx context.Context) error {
	ttl := r.cfg.LockExpiry
	for attempt := uint32(1); ; attempt++ {
		_, err := r.leases.Join(ctx, r.cfg.Executor, ttl, r.cfg.Metadata)
		if err == nil {
			r.logger.Info("rebalance.joined", log.Dur("join_delay", r.cfg.JoinDelay))
			return nil
		}
		r.logger.Warn("rebalance.join_failed", log.Err(err))
		if serr := backoff.Sleep(ctx, r.retry.Delay(attempt)); serr != nil {
			return serr
		}
	}
}

// claim moves ownership toward the target set for up to AssignmentAttempts rounds.
func (r *Rebalancer) claim(ctx context.Context) {
	for attempt := 1; attempt <= r.cfg.AssignmentAttempts; attempt++ {
		if ctx.Err() != nil || r.halt.Load() != nil {
			return
		}
		missing, err := r.claimOnce(ctx)
		switch {
		case err != nil:
			r.logger.Warn("rebalance.claim_failed", log.Int("attempt", attempt), log.Err(err))
		case missing == 0:
			r.logger.Info("rebalance.claimed", log.Any("partitions", r.Owned()), log.Int("attempt", attempt))
			return
		default:
			r.logger.Debug("rebalance.contended", log.Int("attempt", attempt), log.Int("missing", missing))
		}
		if attempt < r.cfg.AssignmentAttempts {
			if backoff.Sleep(ctx, r.cfg.AssignmentSleep) != nil {
				return
			}
		}
	}
	r.metrics.RecordContention(r.cfg.Processor)
	r.logger.Warn("rebalance.contention", log.Err(errs.ErrAssignmentContention),
		log.Int("attempts", r.cfg.AssignmentAttempts), log.Any("owned", r.Owned()))
}

// claimOnce runs one claim round. Membership is refreshed first so a long
// contended claim does not let this executor expire.
func (r *Rebalancer) claimOnce(ctx context.Context) (int, error) {
	if _, err := r.leases.Heartbeat(ctx, r.cfg.Executor, r.cfg.LockExpiry); err != nil {
		r.logger.Warn("rebalance.heartbeat_failed", log.Err(err))
	}
	members, err := r.liveMembers(ctx)
	if err != nil {
		return 0, err
	}
	target, err := assign.Target(r.cfg.Strategy, members, r.cfg.Partitions, r.cfg.Executor)
	if err != nil {
		return 0, err
	}
	r.members = members
	plan := assign.Diff(r.Owned(), target)

	r.releaseAll(ctx, plan.Release, true)
	for _, p := range plan.Keep {
		r.renew(ctx, p)
	}

	missing := 0
	for _, p := range plan.Acquire {
		if ctx.Err() != nil {
			return missing, ctx.Err()
		}
		lease, won, err := r.leases.Acquire(ctx, p, r.cfg.Executor, r.cfg.LockExpiry)
		if err != nil {
			missing++
			r.logger.Warn("rebalance.acquire_failed", log.Int("partition", p), log.Err(err))
			continue
		}
		r.metrics.RecordClaim(r.cfg.Processor, won)
		if !won {
			missing++
			r.logger.Debug("rebalance.acquire_lost", log.Int("partition", p), log.Str("holder", lease.Owner))
			continue
		}
		r.owned.Store(p, lease)
		r.tasks.Start(p, lease)
	}
	r.metrics.RecordOwnedPartitions(r.cfg.Processor, r.cfg.Executor, r.owned.Size())
	return missing, nil
}

// tickOwning renews leases and membership and reports whether ownership
// needs another claim round.
func (r *Rebalancer) tickOwning(ctx context.Context) bool {
	if _, err := r.leases.Heartbeat(ctx, r.cfg.Executor, r.cfg.LockExpiry); err != nil {
		r.logger.Warn("rebalance.heartbeat_failed", log.Err(err))
	}
	changed := false
	for _, p := range r.Owned() {
		if !r.renew(ctx, p) {
			changed = true
		}
	}
	members, err := r.leases.LiveMembers()
	if err != nil {
		r.logger.Warn("rebalance.members_failed", log.Err(err))
		return true
	}
	if !slices.Equal(members, r.members) {
		r.logger.Info("rebalance.membership_changed", log.Int("before", len(r.members)), log.Int("after", len(members)))
		return true
	}
	target, err := assign.Target(r.cfg.Strategy, members, r.cfg.Partitions, r.cfg.Executor)
	if err != nil {
		return true
	}
	return changed || !assign.Diff(r.Owned(), target).Empty()
}

// renew extends the lease on p. On failure the task is aborted and the
// partition dropped so it can be claimed again.
func (r *Rebalancer) renew(ctx context.Context, p int) bool {
	lease, err := r.leases.Renew(ctx, p, r.cfg.Executor, r.cfg.LockExpiry)
	if err == nil {
		if _, ok := r.owned.Load(p); ok {
			r.owned.Store(p, lease)
		}
		return true
	}
	if ctx.Err() != nil {
		return true
	}
	if _, ok := r.owned.LoadAndDelete(p); !ok {
		return false
	}
	r.metrics.RecordLeaseLost(r.cfg.Processor, p)
	r.logger.Warn("rebalance.renew_failed", log.Int("partition", p), log.Err(err))
	r.tasks.Stop(p, false)
	r.metrics.RecordOwnedPartitions(r.cfg.Processor, r.cfg.Executor, r.owned.Size())
	return false
}

// releaseAll stops the tasks of parts concurrently and deletes their leases.
func (r *Rebalancer) releaseAll(ctx context.Context, parts []int, drain bool) {
	parts = lo.Filter(parts, func(p int, _ int) bool {
		_, ok := r.owned.LoadAndDelete(p)
		return ok
	})
	if len(parts) == 0 {
		return
	}
	var g errgroup.Group
	for _, p := range parts {
		g.Go(func() error {
			r.tasks.Stop(p, drain)
			if err := backoff.Retry(ctx, r.retry, func() error {
				return r.leases.Release(ctx, p, r.cfg.Executor)
			}); err != nil {
				r.logger.Warn("rebalance.release_failed", log.Int("partition", p), log.Err(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	r.metrics.RecordOwnedPartitions(r.cfg.Processor, r.cfg.Executor, r.owned.Size())
	r.logger.Info("rebalance.released", log.Any("partitions", parts))
}

// leave drains every task, releases held leases and deregisters. A halted
// partition keeps its lease so it stalls until expiry.
func (r *Rebalancer) leave() {
	r.transition(Releasing)
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.LockExpiry)
	defer cancel()

	r.releaseAll(ctx, r.Owned(), true)
	if err := backoff.Retry(ctx, r.retry, func() error {
		return r.leases.Leave(ctx, r.cfg.Executor)
	}); err != nil {
		r.logger.Warn("rebalance.leave_failed", log.Err(err))
	}
	r.transition(Left)
	r.logger.Info("rebalance.left")
}

func (r *Rebalancer) liveMembers(ctx context.Context) ([]string, error) {
	members, err := r.leases.LiveMembers()
	if err != nil {
		return nil, err
	}
	if !slices.Contains(members, r.cfg.Executor) {
		if _, err := r.leases.Heartbeat(ctx, r.cfg.Executor, r.cfg.LockExpiry); err != nil {
			return nil, err
		}
		members = append(members, r.cfg.Executor)
		sort.Strings(members)
	}
	return members, nil
}

func (r *Rebalancer) transition(to State) {
	from := State(r.state.Load())
	if from == to && to != Claiming {
		return
	}
	if !canTransition(from, to) {
		r.logger.Warn("rebalance.invalid_transition", log.Str("from", from.String()), log.Str("to", to.String()))
		return
	}
	r.state.Store(int32(to))
	r.metrics.RecordStateTransition(r.cfg.Processor, from.String(), to.String())
	r.subscribers.Range(func(_ uint64, s *subscriber) bool {
		s.send(to)
		return true
	})
}

func (r *Rebalancer) closeSubscribers() {
	r.subscribers.Range(func(id uint64, s *subscriber) bool {
		r.subscribers.Delete(id)
		s.close()
		return true
	})
}
