package grpcserver

import (
	"context"
	"net"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rzbill/runnel/pkg/log"
	"github.com/rzbill/runnel/pkg/runnel"
)

const refreshInterval = 2 * time.Second

// Server owns the gRPC server instance and the health state it reports.
type Server struct {
	app    *runnel.App
	logger log.Logger
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener

	procs *xsync.Map[string, *runnel.Processor]
	last  *xsync.Map[string, healthpb.HealthCheckResponse_ServingStatus]
}

// New constructs a gRPC server and registers the health service.
func New(app *runnel.App, logger log.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{
		app:    app,
		logger: logger.WithComponent("grpc"),
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		procs:  xsync.NewMap[string, *runnel.Processor](),
		last:   xsync.NewMap[string, healthpb.HealthCheckResponse_ServingStatus](),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Register adds a processor to the reported services.
func (s *Server) Register(p *runnel.Processor) {
	s.procs.Store(p.Name(), p)
	s.set(ServiceName(p.Name()), p.Running())
}

// ListenAndServe binds to addr and serves until ctx is done, refreshing
// health statuses in the background.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("grpc.listening", log.Str("addr", l.Addr().String()))
	s.Refresh(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	tick := time.NewTicker(refreshInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			return nil
		case err := <-errCh:
			return err
		case <-tick.C:
			s.Refresh(ctx)
		}
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
