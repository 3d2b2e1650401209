// Package runnel is a partitioned, ordered, at-least-once stream processing
// library backed by an embedded Pebble store.
//
// A Stream appends typed records to a fixed number of partitions chosen by
// a key. A Processor consumes a stream with a pool of executors that divide
// the partitions between them through expiring leases and deliver each
// partition's records in order to a handler.
//
//	app, _ := runnel.Open(runnel.WithDataDir("./data"))
//	defer app.Close()
//
//	orders, _ := runnel.NewStream[Order](app, "orders",
//		runnel.WithPartitionByField("CustomerID"),
//		runnel.WithPartitionCount(16))
//	_, _ = orders.Publish(ctx, Order{CustomerID: "c-1", Total: 42})
//
//	proc, _ := runnel.NewProcessor(orders, func(ctx context.Context, events *runnel.Events[Order]) error {
//		for events.Next(ctx) {
//			order, err := events.Value()
//			if err != nil {
//				return err
//			}
//			charge(order)
//		}
//		return nil
//	}, runnel.WithName("billing"), runnel.WithExceptionPolicy(runnel.Quarantine))
//	_ = proc.Run(ctx)
package runnel

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rzbill/runnel/internal/config"
	"github.com/rzbill/runnel/internal/metrics"
	"github.com/rzbill/runnel/internal/runtime"
	pebblestore "github.com/rzbill/runnel/internal/storage/pebble"
	"github.com/rzbill/runnel/pkg/log"
)

// Metrics receives every measurement runnel takes.
type Metrics = metrics.Collector

// NewPrometheusMetrics registers runnel's collectors with reg, or the default
// registerer when reg is nil.
func NewPrometheusMetrics(reg prometheus.Registerer) (Metrics, error) {
	return metrics.NewPrometheus(reg, "runnel")
}

// App owns the store shared by every stream and processor of a process.
type App struct {
	rt     *runtime.Runtime
	logger log.Logger
}

// Option configures Open.
type Option func(*appOptions)

type appOptions struct {
	dataDir       string
	fsync         string
	fsyncInterval time.Duration
	logger        log.Logger
	metrics       Metrics
}

// WithDataDir sets the store directory. Defaults to the platform data dir.
func WithDataDir(dir string) Option { return func(o *appOptions) { o.dataDir = dir } }

// WithFsync selects "always", "interval" or "never".
func WithFsync(mode string, interval time.Duration) Option {
	return func(o *appOptions) { o.fsync, o.fsyncInterval = mode, interval }
}

func WithLogger(l log.Logger) Option { return func(o *appOptions) { o.logger = l } }

func WithMetrics(m Metrics) Option { return func(o *appOptions) { o.metrics = m } }

// Open opens (or creates) the store.
func Open(opts ...Option) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.dataDir == "" {
		o.dataDir = config.DefaultDataDir()
	}
	if o.logger == nil {
		o.logger = log.NewNopLogger()
	}
	fsync, err := pebblestore.ParseFsyncMode(o.fsync)
	if err != nil {
		return nil, err
	}
	rt, err := runtime.Open(runtime.Options{
		DataDir:       o.dataDir,
		Fsync:         fsync,
		FsyncInterval: o.fsyncInterval,
		Metrics:       o.metrics,
		Logger:        o.logger,
	})
	if err != nil {
		return nil, err
	}
	return &App{rt: rt, logger: o.logger}, nil
}

// Close closes the store. Processors must have returned from Run first.
func (a *App) Close() error { return a.rt.Close() }

// Health reports whether the store is usable.
func (a *App) Health(ctx context.Context) error { return a.rt.CheckHealth(ctx) }

// Runtime exposes the process runtime to the servers and commands in this module.
func (a *App) Runtime() *runtime.Runtime { return a.rt }

func (a *App) Logger() log.Logger { return a.logger }
