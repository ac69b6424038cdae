package admin

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/fastpass-project/endpoint/internal/fastpass/endpoint"
)

// HealthServer implements grpc_health_v1.HealthServer, reporting SERVING
// as long as the endpoint's last inbound packets were not malformed or
// out of window.
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer

	ep *endpoint.Endpoint
}

// NewHealthServer builds a HealthServer bound to ep.
func NewHealthServer(ep *endpoint.Endpoint) *HealthServer {
	return &HealthServer{ep: ep}
}

// Register attaches h to a gRPC server under the standard health service name.
func (h *HealthServer) Register(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, h)
}

func (h *HealthServer) status() grpc_health_v1.HealthCheckResponse_ServingStatus {
	stats := h.ep.Stats()
	// A run of malformed or out-of-window inbound packets means the
	// control channel is not healthy; surface that to orchestration as
	// NOT_SERVING rather than letting it keep routing traffic here. A
	// forced reset alone does not change the status.
	if stats.Proto.ConsecutiveBadPkts > 0 {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}

// Check implements a single health probe.
func (h *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{Status: h.status()}, nil
}

// Watch streams status changes to the caller until the context is canceled.
func (h *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-ticker.C:
			current := h.status()
			if current == last {
				continue
			}
			last = current
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: current}); err != nil {
				return err
			}
		}
	}
}
