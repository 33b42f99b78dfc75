package grpc

import (
	"context"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func (s *GRPCServer) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		last = s.probe(ctx, last)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// probe pings the store and publishes the result for both service names.
func (s *GRPCServer) probe(ctx context.Context, last healthpb.HealthCheckResponse_ServingStatus) healthpb.HealthCheckResponse_ServingStatus {
	pingCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := s.pinger.Ping(pingCtx); err != nil {
		if ctx.Err() != nil {
			return last
		}
		status = healthpb.HealthCheckResponse_NOT_SERVING
		if status != last {
			s.logger.Warn(ctx, "store unreachable", "error", err)
		}
	} else if last == healthpb.HealthCheckResponse_NOT_SERVING {
		s.logger.Info(ctx, "store reachable again")
	}

	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}
