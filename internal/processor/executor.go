package processor

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/rzbill/runnel/internal/coord"
	"github.com/rzbill/runnel/internal/rebalance"
	"github.com/rzbill/runnel/pkg/log"
)

// executor is one member of a processor's pool: a rebalancer plus the
// delivery tasks of the partitions it owns.
type executor struct {
	id     string
	proc   *Processor
	ctx    context.Context
	reb    *rebalance.Rebalancer
	tasks  *xsync.Map[int, *partitionTask]
	logger log.Logger
}

var _ rebalance.Tasks = (*executor)(nil)

func newExecutor(ctx context.Context, p *Processor) *executor {
	id := ulid.Make().String()
	e := &executor{
		id:     id,
		proc:   p,
		ctx:    ctx,
		tasks:  xsync.NewMap[int, *partitionTask](),
		logger: p.logger.WithComponent("delivery").With(log.Str(log.ExecutorKey, id)),
	}
	e.reb = rebalance.New(p.leases, rebalance.Config{
		Processor:          p.cfg.Name,
		Executor:           id,
		Partitions:         p.cfg.Partitions,
		LockExpiry:         p.cfg.LockExpiry,
		AssignmentAttempts: p.cfg.AssignmentAttempts,
		AssignmentSleep:    p.cfg.AssignmentSleep,
		JoinDelay:          p.cfg.JoinDelay,
		Strategy:           p.cfg.Strategy,
		Metadata:           map[string]string{"stream": p.cfg.Stream},
	}, e, p.logger, p.metrics)
	return e
}

func (e *executor) run() error {
	return e.reb.Run(e.ctx)
}

// Start implements rebalance.Tasks.
func (e *executor) Start(partition int, lease coord.Lease) {
	l, err := e.proc.logs.Log(e.proc.cfg.Stream, partition)
	if err != nil {
		e.logger.Error("delivery.open_log_failed", log.Int("partition", partition), log.Err(err))
		e.reb.TaskEnded(partition, err)
		return
	}
	t := newPartitionTask(e, partition, lease, l)
	if prev, ok := e.tasks.Load(partition); ok {
		prev.stop(false)
	}
	e.tasks.Store(partition, t)
	go func() {
		err := t.run()
		if cur, ok := e.tasks.Load(partition); ok && cur == t {
			e.tasks.Delete(partition)
		}
		stopped := t.stopping()
		close(t.done)
		if !stopped {
			e.reb.TaskEnded(partition, err)
		}
	}()
}

// Stop implements rebalance.Tasks.
func (e *executor) Stop(partition int, drain bool) {
	t, ok := e.tasks.Load(partition)
	if !ok {
		return
	}
	t.stop(drain)
}
