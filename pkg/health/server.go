package health

import (
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	healthsvc "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server exposes this task's liveness to its peers via the gRPC health
// service. Workers start one alongside the coordinator so the monitor on
// every other task can probe them.
type Server struct {
	lis    net.Listener
	grpc   *grpc.Server
	health *healthsvc.Server
}

// NewServer listens on addr (":0" picks a free port) and starts serving
// health checks in the background.
func NewServer(addr string) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", addr)
	}
	gs := grpc.NewServer()
	hs := healthsvc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := gs.Serve(lis); err != nil {
			logrus.Warnf("health server on %s exited: %v", lis.Addr(), err)
		}
	}()
	return &Server{lis: lis, grpc: gs, health: hs}, nil
}

// Addr returns the bound address, including the resolved port.
func (s *Server) Addr() string { return s.lis.Addr().String() }

// SetServing flips the advertised serving status. Tests use this to simulate
// a peer that is up but not serving.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

// Stop drains and stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
