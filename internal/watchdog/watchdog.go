// Package watchdog returns records stuck in-flight past the processor's
// MaxTTL to the pending set so any owner can deliver them again.
package watchdog

import (
	"context"
	"time"

	"github.com/rzbill/runnel/internal/backoff"
	"github.com/rzbill/runnel/internal/coord"
	"github.com/rzbill/runnel/internal/delivery"
	"github.com/rzbill/runnel/internal/metrics"
	"github.com/rzbill/runnel/pkg/log"
)

// Config configures a Watchdog.
type Config struct {
	Interval  time.Duration // base scan period (default: 30s)
	MaxTTL    time.Duration // in-flight age that counts as stuck (default: 120s)
	BatchSize int           // entries moved per store script (default: 256)
}

// Watchdog scans one processor's in-flight index.
type Watchdog struct {
	cfg        Config
	processor  string
	deliveries *delivery.Store
	members    *coord.Store
	logger     log.Logger
	metrics    metrics.WatchdogMetrics
}

// New builds a Watchdog over the processor's delivery and coordination stores.
func New(deliveries *delivery.Store, members *coord.Store, cfg Config, logger log.Logger, m metrics.WatchdogMetrics) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 120 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Watchdog{
		cfg:        cfg,
		processor:  members.Processor(),
		deliveries: deliveries,
		members:    members,
		logger:     logger.WithComponent("watchdog").With(log.Str(log.ProcessorKey, members.Processor())),
		metrics:    m,
	}
}

// Run scans every Interval plus up to a tenth of it in jitter until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.Info("watchdog.started", log.Dur("interval", w.cfg.Interval), log.Dur("max_ttl", w.cfg.MaxTTL))
	for {
		if err := backoff.Sleep(ctx, backoff.Jitter(w.cfg.Interval)); err != nil {
			w.logger.Info("watchdog.stopped")
			return nil
		}
		if _, err := w.Scan(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("watchdog.scan_failed", log.Err(err))
		}
	}
}

// Scan performs one pass and returns how many records went back to pending.
// Expired membership records are swept on the same pass.
func (w *Watchdog) Scan(ctx context.Context) (int, error) {
	cutoff := w.members.Now() - w.cfg.MaxTTL.Milliseconds()
	total := 0
	for {
		moved, err := w.deliveries.RequeueStale(ctx, cutoff, w.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		for _, rec := range moved {
			w.logger.Warn("watchdog.requeued",
				log.Int("partition", rec.Partition),
				log.Uint64("seq", rec.Seq),
				log.Str("owner", rec.Owner),
				log.Int("deliveries", rec.Deliveries),
			)
		}
		total += len(moved)
		if len(moved) < w.cfg.BatchSize {
			break
		}
	}
	if total > 0 {
		w.metrics.RecordRequeued(w.processor, total)
	}
	if n, err := w.members.SweepMembers(ctx, w.cfg.BatchSize); err != nil {
		return total, err
	} else if n > 0 {
		w.logger.Info("watchdog.members_swept", log.Int("count", n))
	}
	return total, nil
}
