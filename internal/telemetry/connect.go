package telemetry

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

func dialOptions(insecureConn bool) []grpc.DialOption {
	if insecureConn {
		return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return []grpc.DialOption{grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))}
}

// connectCollector opens a client connection to endpoint and waits until it
// reaches READY or timeout elapses. The connection is shared by the trace and
// metric exporters.
func connectCollector(ctx context.Context, endpoint string, insecureConn bool, timeout time.Duration) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(endpoint, dialOptions(insecureConn)...)
	if err != nil {
		return nil, fmt.Errorf("creating grpc client for %s: %w", endpoint, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return conn, nil
		}
		if !conn.WaitForStateChange(ctx, state) {
			conn.Close()
			return nil, fmt.Errorf("collector %s not ready after %s (last state %s): %w", endpoint, timeout, state, ctx.Err())
		}
	}
}
