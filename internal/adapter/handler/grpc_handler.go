package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// LedgerServiceName is the service name reported through the gRPC health API.
const LedgerServiceName = "pharmacy.ledger.v1.Ledger"

type pinger interface {
	Ping(ctx context.Context) error
}

// HealthReporter publishes the ledger's readiness over the standard gRPC
// health protocol, based on periodic repository pings.
type HealthReporter struct {
	server   *health.Server
	target   pinger
	interval time.Duration
	logger   *zap.Logger
}

func NewHealthReporter(target pinger, interval time.Duration, logger *zap.Logger) *HealthReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthReporter{
		server:   health.NewServer(),
		target:   target,
		interval: interval,
		logger:   logger,
	}
}

// Register attaches the health and reflection services to s.
func (h *HealthReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
	reflection.Register(s)
}

// Check pings once and updates the reported status.
func (h *HealthReporter) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.target.Ping(ctx); err != nil {
		h.logger.Warn("ledger repository unreachable", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(LedgerServiceName, status)
	return status
}

// Run checks on every interval until ctx is cancelled, then marks the
// server as shutting down.
func (h *HealthReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, h.interval)
		h.Check(checkCtx)
		cancel()

		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
