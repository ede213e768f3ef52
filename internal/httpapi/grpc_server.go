package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"autorepay.org/internal/obs"
)

// GRPCServiceName is the service name reported by the gRPC health endpoint.
const GRPCServiceName = "autorepay.settlement"

// readinessChecker is satisfied by *repay.Engine.
type readinessChecker interface {
	Ready(ctx context.Context) error
}

// HealthServer publishes engine readiness over the standard gRPC health
// protocol. The overall ("") status mirrors the settlement service.
type HealthServer struct {
	readiness readinessChecker
	health    *health.Server
}

// NewHealthServer creates a health server that starts NOT_SERVING until the
// first Refresh.
func NewHealthServer(r readinessChecker) *HealthServer {
	h := &HealthServer{readiness: r, health: health.NewServer()}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to srv.
func (h *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, h.health)
}

// Refresh probes the engine once and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	if err := h.readiness.Ready(ctx); err != nil {
		obs.SetReady(false)
		obs.Logger().Debug("grpc health not serving", zap.Error(err))
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(true)
	h.set(healthpb.HealthCheckResponse_SERVING)
	return healthpb.HealthCheckResponse_SERVING
}

// Run refreshes every interval until ctx ends, then marks everything
// NOT_SERVING so in-flight health watchers see the shutdown.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	h.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}

func (h *HealthServer) set(s healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", s)
	h.health.SetServingStatus(GRPCServiceName, s)
}
