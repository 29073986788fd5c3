package node

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name reported by the gRPC health server in
// addition to the overall ("") status.
const HealthService = "kbnet.Node"

func (n *Node) startHealthServer() error {
	listener, err := net.Listen("tcp", n.cfg.HealthAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on health address %s: %w", n.cfg.HealthAddress, err)
	}
	n.healthAddr = listener.Addr().String()

	n.grpcServer = grpc.NewServer()
	n.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(n.grpcServer, n.healthServer)
	n.updateHealth()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			n.logger.Error("Health server stopped", zap.Error(err))
		}
	}()

	n.logger.Info("Health server listening", zap.String("address", n.healthAddr))
	return nil
}

// updateHealth mirrors Ready into the gRPC health status.
func (n *Node) updateHealth() {
	if n.healthServer == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if n.Ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	n.healthServer.SetServingStatus("", status)
	n.healthServer.SetServingStatus(HealthService, status)
}
