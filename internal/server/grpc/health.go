package grpcserver

import (
	"context"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rzbill/runnel/pkg/log"
	"github.com/rzbill/runnel/pkg/runnel"
)

// ServiceName is the health service name of a processor.
func ServiceName(processor string) string { return "runnel.processor/" + processor }

// Refresh recomputes every health status. A processor is serving while its
// Run is active and the store is healthy.
func (s *Server) Refresh(ctx context.Context) {
	storeOK := s.app.Health(ctx) == nil
	s.set("", storeOK)
	s.procs.Range(func(name string, p *runnel.Processor) bool {
		s.set(ServiceName(name), storeOK && p.Running())
		return true
	})
}

func (s *Server) set(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	if prev, ok := s.last.Load(service); ok && prev == status {
		return
	}
	s.last.Store(service, status)
	s.health.SetServingStatus(service, status)
	s.logger.Debug("grpc.health_changed", log.Str("service", service), log.Str("status", status.String()))
}
