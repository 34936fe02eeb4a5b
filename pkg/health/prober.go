// Package health watches peer tasks and aborts collectives cluster-wide when
// a peer becomes unreachable. Probing uses the standard gRPC health-checking
// protocol, so any task that runs a health.Server is probeable.
package health

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Prober checks whether a single peer is reachable and serving.
type Prober interface {
	CheckPeer(ctx context.Context, addr string) error
}

// GRPCProber probes peers with a gRPC health Check RPC over an insecure
// connection, one dial per probe.
type GRPCProber struct{}

func (GRPCProber) CheckPeer(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return status.Errorf(codes.Unavailable, "peer %s reports %s", addr, resp.Status)
	}
	return nil
}

// isPeerFailure classifies probe errors. Unavailable means the peer is not
// reachable (e.g. it is down); FailedPrecondition means the peer has
// restarted; a deadline means the probe itself timed out. Anything else is an
// unexpected error and aborts with a distinct reason.
func isPeerFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.FailedPrecondition, codes.DeadlineExceeded:
		return true
	}
	return false
}
