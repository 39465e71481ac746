// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between layers and makes the
// durations discoverable.
package timeouts

import "time"

// StoreCall caps a single store operation when the caller supplies no
// deadline of its own. The gateway applies it per attempt, so a retried
// operation never waits unbounded.
const StoreCall = 5 * time.Second

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second

// Shutdown limits how long background workers and servers may take to
// drain during graceful shutdown.
const Shutdown = 5 * time.Second
