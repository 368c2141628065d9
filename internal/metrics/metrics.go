// Package metrics provides interfaces and implementations for collecting
// receiver/delivery/relay metrics. This package defines the Collector
// interface for recording metrics and the Server interface for exposing
// them over HTTP, re-scoped from the teacher's authentication/anti-spam
// counters to the domains this spool-and-relay pipeline actually has:
// connections, accepted/rejected messages, local delivery, relay
// attempts, DNS cache effectiveness, and spool fan-out failures.
package metrics

import "context"

// Collector defines the interface for recording pipeline metrics.
type Collector interface {
	// Connection metrics (Receiver)
	ConnectionOpened()
	ConnectionClosed()

	// Transaction metrics (Receiver)
	MessageAccepted(sizeBytes int64)
	MessageRejected(reason string)
	CommandProcessed(verb string)

	// Delivery metrics (Delivery process)
	LocalDeliveryCompleted(success bool)
	SpoolFanoutFailed(stage string)

	// Relay metrics (Relay process)
	RelayAttempted(domain string)
	RelayCompleted(domain string, success bool)

	// DNS cache metrics (internal/dnscache)
	DNSCacheHit()
	DNSCacheMiss()
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
