package grpccomm

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// DialStage describes where a dial attempt failed.
type DialStage string

const (
	// DialStageConnect indicates the client could not be created.
	DialStageConnect DialStage = "connect"
	// DialStageHealth indicates the coordinator never reported SERVING.
	DialStageHealth DialStage = "health"
)

// DialError wraps dial and health check failures with a stage indicator.
type DialError struct {
	Stage DialStage
	Err   error
}

// Error implements the error interface.
func (e *DialError) Error() string {
	if e == nil {
		return "gRPC dial error"
	}
	return fmt.Sprintf("gRPC %s error: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *DialError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WaitForHealth blocks until the gRPC health check for service reports
// SERVING or the context ends.
func WaitForHealth(ctx context.Context, conn *grpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}

	healthClient := grpc_health_v1.NewHealthClient(conn)
	backoff := 50 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		response, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		if err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			if logf != nil {
				logf("coordinator is SERVING")
			}
			return nil
		}
		if logf != nil {
			if err != nil {
				logf("waiting for coordinator: %v", err)
			} else {
				logf("waiting for coordinator: status %s", response.GetStatus().String())
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for coordinator health: %w", ctx.Err())
		case <-time.After(backoff):
		}

		if backoff < time.Second {
			backoff = min(backoff*2, time.Second)
		}
	}
}
