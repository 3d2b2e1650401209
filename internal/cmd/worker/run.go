package workerrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rzbill/runnel/internal/catalog"
	"github.com/rzbill/runnel/internal/cmd/output"
	cfgpkg "github.com/rzbill/runnel/internal/config"
	grpcserver "github.com/rzbill/runnel/internal/server/grpc"
	httpserver "github.com/rzbill/runnel/internal/server/http"
	"github.com/rzbill/runnel/pkg/codec"
	logpkg "github.com/rzbill/runnel/pkg/log"
	"github.com/rzbill/runnel/pkg/middleware"
	"github.com/rzbill/runnel/pkg/partition"
	"github.com/rzbill/runnel/pkg/runnel"
)

type Options struct {
	Config        cfgpkg.Config
	FsyncInterval time.Duration

	// Stream names the stream to consume. Empty serves the admin API only.
	Stream    string
	Processor string
	// Filter is a CEL expression; records it rejects are acknowledged unprinted.
	Filter string
	Format string
	Output io.Writer

	Logger logpkg.Logger
}

// Run serves until ctx is cancelled or the processor halts.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Config
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if opts.Format == "" {
		opts.Format = output.FormatText
	}
	if err := output.CheckFormat(opts.Format); err != nil {
		return err
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	procLogger := opts.Logger
	if procLogger == nil {
		l, err := logpkg.ApplyConfig(&cfg.Log)
		if err != nil {
			lvl := logpkg.InfoLevel
			if parsed, e := logpkg.ParseLevel(cfg.Log.Level); e == nil {
				lvl = parsed
			}
			l = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
		}
		procLogger = l
	}
	// Pebble logs through the standard library logger.
	logpkg.RedirectStdLog(procLogger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := runnel.NewPrometheusMetrics(reg)
	if err != nil {
		return err
	}

	app, err := runnel.Open(
		runnel.WithDataDir(cfg.DataDir),
		runnel.WithFsync(cfg.Fsync, opts.FsyncInterval),
		runnel.WithLogger(procLogger),
		runnel.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	defer app.Close()

	procLogger.Info("worker.starting",
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("stream", opts.Stream),
		logpkg.Str("processor", opts.Processor),
		logpkg.Str("http", cfg.Admin.HTTPAddr),
		logpkg.Str("grpc", cfg.Admin.GRPCAddr),
		logpkg.Str("fsync", cfg.Fsync),
	)

	var proc *runnel.Processor
	if opts.Stream != "" {
		if proc, err = newPrinter(app, cfg, opts, procLogger); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr := cfg.Admin.HTTPAddr; addr != "" {
		hsrv := httpserver.New(app, procLogger, httpserver.WithGatherer(reg))
		if proc != nil {
			hsrv.Register(proc)
		}
		g.Go(func() error {
			defer hsrv.Close()
			if err := hsrv.ListenAndServe(gctx, addr); err != nil && gctx.Err() == nil {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
	}
	if addr := cfg.Admin.GRPCAddr; addr != "" {
		gsrv := grpcserver.New(app, procLogger)
		if proc != nil {
			gsrv.Register(proc)
		}
		g.Go(func() error {
			defer gsrv.Close()
			if err := gsrv.ListenAndServe(gctx, addr); err != nil && gctx.Err() == nil {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		})
	}
	if proc != nil {
		g.Go(func() error { return proc.Run(gctx) })
	} else {
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	procLogger.Info("worker.stopped", logpkg.Err(err))
	return err
}

// newPrinter binds a processor that writes every record of opts.Stream to
// opts.Output. A stream that does not exist yet is created with the
// configured stream defaults.
func newPrinter(app *runnel.App, cfg cfgpkg.Config, opts Options, logger logpkg.Logger) (*runnel.Processor, error) {
	streamOpts, err := streamOptions(app, cfg.Stream, opts.Stream)
	if err != nil {
		return nil, err
	}
	st, err := runnel.NewStream[[]byte](app, opts.Stream, streamOpts...)
	if err != nil {
		return nil, err
	}

	mws := []runnel.Middleware{middleware.Recover(logger), middleware.Logging(logger), middleware.Tracing()}
	if opts.Filter != "" {
		f, err := middleware.Filter(opts.Filter)
		if err != nil {
			return nil, err
		}
		mws = append(mws, f)
	}
	procOpts, err := processorOptions(cfg.Processor)
	if err != nil {
		return nil, err
	}
	name := opts.Processor
	if name == "" {
		name = opts.Stream + "-printer"
	}
	procOpts = append(procOpts, runnel.WithName(name), runnel.WithMiddleware(mws...))
	return runnel.NewProcessor(st, printer(opts.Output, opts.Format), procOpts...)
}

func streamOptions(app *runnel.App, d cfgpkg.StreamDefaults, name string) ([]runnel.StreamOption, error) {
	opts := []runnel.StreamOption{runnel.WithPartitionBy(func([]byte) string { return "" })}
	stored, exists, err := catalog.GetStream(app.Runtime().DB(), name)
	if err != nil {
		return nil, err
	}
	if exists {
		h, err := partition.HasherByName(stored.Hasher)
		if err != nil {
			return nil, err
		}
		return append(opts, runnel.WithHasher(h), runnel.WithCodec(codec.Passthrough(stored.Codec))), nil
	}
	h, err := partition.HasherByName(d.Hasher)
	if err != nil {
		return nil, err
	}
	if _, err := codec.ByName(d.Codec); err != nil {
		return nil, err
	}
	opts = append(opts,
		runnel.WithHasher(h),
		runnel.WithCodec(codec.Passthrough(d.Codec)),
		runnel.WithPartitionCount(d.PartitionCount),
		runnel.WithPartitionSize(d.PartitionSize),
	)
	if d.RetentionAge > 0 {
		opts = append(opts, runnel.WithRetentionAge(d.RetentionAge.Std()))
	}
	return opts, nil
}

func processorOptions(d cfgpkg.ProcessorDefaults) ([]runnel.ProcessorOption, error) {
	policy, err := runnel.ParseExceptionPolicy(d.Policy)
	if err != nil {
		return nil, err
	}
	return []runnel.ProcessorOption{
		runnel.WithExceptionPolicy(policy),
		runnel.WithAssignmentStrategy(d.Strategy),
		runnel.WithPoolSize(d.PoolSize),
		runnel.WithLockExpiry(d.LockExpiry.Std()),
		runnel.WithReadTimeout(d.ReadTimeout.Std()),
		runnel.WithPrefetchCount(d.PrefetchCount),
		runnel.WithAssignmentAttempts(d.AssignmentAttempts),
		runnel.WithAssignmentSleep(d.AssignmentSleep.Std()),
		runnel.WithGracePeriod(d.GracePeriod.Std()),
		runnel.WithJoinDelay(d.JoinDelay.Std()),
		runnel.WithMaxTTL(d.MaxTTL.Std()),
		runnel.WithWatchdogInterval(d.WatchdogInterval.Std()),
	}, nil
}

// printer writes records in delivery order. Executors share out, so writes
// are serialized.
func printer(out io.Writer, format string) runnel.Handler[[]byte] {
	var mu sync.Mutex
	return func(ctx context.Context, events *runnel.Events[[]byte]) error {
		for events.Next(ctx) {
			e := events.Entry()
			mu.Lock()
			err := output.Write(out, format, output.Record{
				Partition: e.Partition,
				Seq:       e.Seq,
				ID:        e.ID,
				Key:       e.Key,
				TsMs:      e.TsMs,
				Headers:   e.Attrs,
				Payload:   e.Payload,
			})
			mu.Unlock()
			if err != nil {
				return err
			}
		}
		return nil
	}
}
