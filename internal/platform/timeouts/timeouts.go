// Package timeouts defines shared timeout constants for the backend server,
// the REST client and the CLI probes.
package timeouts

import "time"

// BackendRequest caps one round trip to the remote backend when no explicit
// timeout is configured.
const BackendRequest = 10 * time.Second

// HealthProbe caps the wait for the backend server gRPC health check.
const HealthProbe = 5 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long a server waits for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second
