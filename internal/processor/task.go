package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rzbill/runnel/internal/backoff"
	"github.com/rzbill/runnel/internal/coord"
	"github.com/rzbill/runnel/internal/delivery"
	"github.com/rzbill/runnel/internal/errs"
	"github.com/rzbill/runnel/internal/eventlog"
	"github.com/rzbill/runnel/pkg/log"
)

// partitionTask is the delivery loop of one owned partition.
type partitionTask struct {
	ex        *executor
	partition int
	lease     coord.Lease
	log       *eventlog.Log
	logger    log.Logger

	// storeCtx outlives shutdown so a draining handler can still ack;
	// handlerCtx is what the user callback sees.
	storeCtx      context.Context
	storeCancel   context.CancelFunc
	handlerCtx    context.Context
	handlerCancel context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// recoverDue is set when a store failure may have left records
	// in-flight; they go back to pending before the next fetch.
	recoverDue bool
}

func newPartitionTask(ex *executor, partition int, lease coord.Lease, l *eventlog.Log) *partitionTask {
	base := context.WithoutCancel(ex.ctx)
	storeCtx, storeCancel := context.WithCancel(base)
	handlerCtx, handlerCancel := context.WithCancel(base)
	return &partitionTask{
		ex:            ex,
		partition:     partition,
		lease:         lease,
		log:           l,
		logger:        ex.logger.With(log.Int("partition", partition), log.Uint64("epoch", lease.Epoch)),
		storeCtx:      storeCtx,
		storeCancel:   storeCancel,
		handlerCtx:    handlerCtx,
		handlerCancel: handlerCancel,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (t *partitionTask) cfg() *Config { return &t.ex.proc.cfg }

func (t *partitionTask) deliveries() deliveryOps { return t.ex.proc.ops }

func (t *partitionTask) stopping() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// stop ends the loop. Fetching stops at once; with drain the handler gets the
// grace period before its context is cancelled.
func (t *partitionTask) stop(drain bool) {
	t.stopOnce.Do(func() { close(t.stopCh) })
	if !drain {
		t.handlerCancel()
		t.storeCancel()
		<-t.done
		return
	}
	timer := time.NewTimer(t.cfg().GracePeriod)
	defer timer.Stop()
	select {
	case <-t.done:
	case <-timer.C:
		t.logger.Warn("delivery.grace_expired", log.Dur("grace_period", t.cfg().GracePeriod))
		t.handlerCancel()
		<-t.done
	}
}

type waitResult int

const (
	waitData waitResult = iota
	waitTimeout
	waitStopped
	waitCancelled
)

// waitForData parks until an append, ReadTimeout, a stop or ctx is done.
func (t *partitionTask) waitForData(ctx context.Context, notify <-chan struct{}) waitResult {
	timer := time.NewTimer(t.cfg().ReadTimeout)
	defer timer.Stop()
	select {
	case <-notify:
		return waitData
	case <-timer.C:
		return waitTimeout
	case <-t.stopCh:
		return waitStopped
	case <-ctx.Done():
		return waitCancelled
	}
}

// idle waits ReadTimeout or until stopped. It reports false when stopped.
func (t *partitionTask) idle() bool {
	return t.waitForData(t.storeCtx, nil) != waitStopped && !t.stopping()
}

func (t *partitionTask) retry(fn func() error) error {
	return backoff.Retry(t.storeCtx, t.ex.proc.retry, fn)
}

func (t *partitionTask) fetch() ([]delivery.Delivery, error) {
	var ds []delivery.Delivery
	err := t.retry(func() error {
		var err error
		ds, err = t.deliveries().Fetch(t.storeCtx, t.log, t.partition, t.ex.id, t.cfg().PrefetchCount)
		return err
	})
	if len(ds) > 0 {
		t.ex.proc.metrics.RecordFetch(t.cfg().Name, t.partition, len(ds))
	}
	return ds, err
}

func (t *partitionTask) ack(seq uint64) error {
	err := t.retry(func() error {
		return t.deliveries().Ack(t.storeCtx, t.log, t.partition, t.ex.id, seq)
	})
	if err == nil {
		t.ex.proc.metrics.RecordAck(t.cfg().Name, t.partition, 1)
	}
	return err
}

func (t *partitionTask) requeue(seqs []uint64) {
	if len(seqs) == 0 {
		return
	}
	if err := t.retry(func() error {
		return t.deliveries().Requeue(t.storeCtx, t.partition, t.ex.id, seqs...)
	}); err != nil {
		t.logger.Warn("delivery.requeue_failed", log.Any("seqs", seqs), log.Err(err))
	}
}

// recover returns every in-flight record of the partition to pending. Only
// the lease owner may do so, and pending is fetched in seq order, so nothing
// past an unacknowledged record is delivered before it.
func (t *partitionTask) recover() error {
	err := t.retry(func() error {
		n, err := t.deliveries().Recover(t.storeCtx, t.partition, t.ex.id)
		if n > 0 {
			t.logger.Info("delivery.recovered", log.Int("records", n))
		}
		return err
	})
	if err == nil {
		t.recoverDue = false
	}
	return err
}

// storeFailed puts the current and unpulled records back and schedules a
// recovery for whatever the requeue could not reach.
func (t *partitionTask) storeFailed(it *iterator) {
	t.requeue(it.unpulled(true))
	t.recoverDue = true
}

// run is the loop body. A nil return means the task was stopped; anything else
// is reported to the rebalancer.
func (t *partitionTask) run() error {
	defer t.storeCancel()
	defer t.handlerCancel()

	if err := t.recover(); err != nil {
		if t.stopping() {
			return nil
		}
		return err
	}
	t.logger.Debug("delivery.started")

	for !t.stopping() {
		if t.recoverDue {
			if err := t.recover(); err != nil {
				if errors.Is(err, errs.ErrLeaseLost) {
					return err
				}
				t.logger.Warn("delivery.recover_failed", log.Err(err))
				if !t.idle() {
					return nil
				}
				continue
			}
		}
		if _, poisoned, err := t.deliveries().Poisoned(t.partition); err == nil && poisoned {
			if !t.idle() {
				return nil
			}
			continue
		}

		it := newIterator(t)
		started := time.Now()
		herr := t.invoke(it)
		t.ex.proc.metrics.RecordCallback(t.cfg().Name, t.partition, time.Since(started), herr)

		if err := t.settle(it, herr); err != nil {
			return err
		}
	}
	return nil
}

// invoke calls the handler chain, turning a panic into an error.
func (t *partitionTask) invoke(it *iterator) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("delivery.handler_panic", log.Any("panic", r), log.Str("stack", string(debug.Stack())))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return t.ex.proc.handler(t.handlerCtx, it)
}

// settle applies the outcome of one handler run. It returns a non-nil error
// when the task has to end.
func (t *partitionTask) settle(it *iterator, herr error) error {
	if it.err != nil {
		cancelled := errors.Is(it.err, context.Canceled) || errors.Is(it.err, context.DeadlineExceeded)
		switch {
		case errors.Is(it.err, errs.ErrLeaseLost):
			t.requeue(it.unpulled(false))
			t.logger.Warn("delivery.lease_lost", log.Err(it.err))
			return it.err
		case errors.Is(it.err, errs.ErrPoisonedPartition):
			t.requeue(it.unpulled(false))
			return nil
		case cancelled:
			t.requeue(it.unpulled(true))
			if !t.stopping() {
				t.idle()
			}
			return nil
		default:
			t.logger.Warn("delivery.store_failed", log.Err(it.err))
			t.storeFailed(it)
			t.idle()
			return nil
		}
	}

	if herr == nil {
		if !it.ackCurrent() {
			if errors.Is(it.err, errs.ErrLeaseLost) {
				t.requeue(it.unpulled(false))
				return it.err
			}
			t.logger.Warn("delivery.ack_failed", log.Uint64("seq", it.cur.Seq), log.Err(it.err))
			t.storeFailed(it)
			t.idle()
			return nil
		}
		t.requeue(it.unpulled(false))
		if it.pulled == 0 && !it.ended {
			t.idle()
		}
		return nil
	}

	if t.handlerCtx.Err() != nil && errors.Is(herr, context.Canceled) {
		t.requeue(it.unpulled(true))
		return nil
	}

	t.requeue(it.unpulled(false))
	var seq uint64
	if it.hasCur {
		seq = it.cur.Seq
	}
	cbErr := &errs.CallbackError{Processor: t.cfg().Name, Partition: t.partition, Seq: seq, Err: herr}

	switch t.cfg().Policy {
	case Ignore:
		t.logger.Warn("delivery.callback_ignored", log.Uint64("seq", seq), log.Err(herr))
		if !it.hasCur {
			t.idle()
			return nil
		}
		if !it.ackCurrent() {
			if errors.Is(it.err, errs.ErrLeaseLost) {
				return it.err
			}
			t.storeFailed(it)
		}
		return nil
	case Quarantine:
		t.logger.Error("delivery.quarantined", log.Uint64("seq", seq), log.Err(herr))
		t.ex.proc.metrics.RecordPoisoned(t.cfg().Name, t.partition)
		err := t.retry(func() error {
			return t.deliveries().Poison(t.storeCtx, t.partition, t.ex.id, seq, herr.Error())
		})
		if errors.Is(err, errs.ErrLeaseLost) {
			return err
		}
		if err != nil {
			t.logger.Error("delivery.poison_failed", log.Err(err))
		}
		return nil
	default:
		t.logger.Error("delivery.halted", log.Uint64("seq", seq), log.Err(herr))
		return cbErr
	}
}
