// Package grpc provides dial helpers shared by clients of external peers,
// such as the content generator service.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ErrPeerUnreachable reports that the peer could not be dialed at all.
var ErrPeerUnreachable = errors.New("peer unreachable")

// ErrPeerNotServing reports that the peer accepted the connection but its
// health check never reached SERVING.
var ErrPeerNotServing = errors.New("peer not serving")

// Health polling backoff: start small, double, never wait longer than a
// second between checks.
const (
	healthProbeTimeout   = time.Second
	healthInitialBackoff = 200 * time.Millisecond
	healthBackoffCeiling = time.Second
)

// Dialer describes the gRPC dial behavior used by helpers.
type Dialer interface {
	DialContext(ctx context.Context, addr string, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error)
}

// DialerFunc adapts a dial function to the Dialer interface.
type DialerFunc func(ctx context.Context, addr string, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error)

// DialContext implements Dialer for DialerFunc.
func (fn DialerFunc) DialContext(ctx context.Context, addr string, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error) {
	return fn(ctx, addr, opts...)
}

// DefaultClientDialOptions returns standard dial options for in-process
// clients. The OTel stats handler propagates trace context on every outbound
// call once a TracerProvider is registered.
func DefaultClientDialOptions() []gogrpc.DialOption {
	return []gogrpc.DialOption{
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithBlock(),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

// DialWithHealth dials addr and waits until the peer's standard health
// service reports SERVING. The connection is closed on a failed health wait,
// so callers own it only on a nil error.
func DialWithHealth(ctx context.Context, dialer Dialer, addr string, dialTimeout time.Duration, logf func(string, ...any), opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if dialer == nil {
		dialer = DialerFunc(gogrpc.DialContext)
	}

	dialCtx := ctx
	if dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, dialTimeout)
		defer cancel()
	}

	conn, err := dialer.DialContext(dialCtx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrPeerUnreachable, addr, err)
	}
	if err := WaitForHealth(dialCtx, conn, "", logf); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrPeerNotServing, addr, err)
	}
	return conn, nil
}

// WaitForHealth polls the peer's health check until it reports SERVING or
// ctx ends. Each probe gets its own short deadline so a hung peer cannot
// stall the wait.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return errors.New("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client := healthpb.NewHealthClient(conn)
	backoff := healthInitialBackoff
	for {
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		response, err := client.Check(probeCtx, &healthpb.HealthCheckRequest{Service: service})
		cancel()

		switch {
		case err == nil && response.GetStatus() == healthpb.HealthCheckResponse_SERVING:
			if logf != nil {
				logf("gRPC health check is SERVING")
			}
			return nil
		case err != nil:
			if logf != nil {
				logf("waiting for gRPC health: %v", err)
			}
		default:
			if logf != nil {
				logf("waiting for gRPC health: status %s", response.GetStatus())
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for gRPC health: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > healthBackoffCeiling {
			backoff = healthBackoffCeiling
		}
	}
}
