package metrics

import (
	"context"
	"testing"
)

func TestNoopCollectorImplementsInterface(t *testing.T) {
	var _ Collector = &NoopCollector{}
}

func TestNoopServerImplementsInterface(t *testing.T) {
	var _ Server = &NoopServer{}
}

func TestNoopCollectorMethods(t *testing.T) {
	c := &NoopCollector{}

	// All methods should execute without panic
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.MessageAccepted(1024)
	c.MessageRejected("no-such-domain")
	c.CommandProcessed("EHLO")
	c.LocalDeliveryCompleted(true)
	c.LocalDeliveryCompleted(false)
	c.SpoolFanoutFailed("open_files")
	c.RelayAttempted("example.org")
	c.RelayCompleted("example.org", true)
	c.RelayCompleted("example.org", false)
	c.DNSCacheHit()
	c.DNSCacheMiss()
}

func TestNoopServerStart(t *testing.T) {
	s := &NoopServer{}
	ctx := context.Background()

	err := s.Start(ctx)
	if err != nil {
		t.Errorf("Start() error = %v, want nil", err)
	}
}

func TestNoopServerShutdown(t *testing.T) {
	s := &NoopServer{}
	ctx := context.Background()

	err := s.Shutdown(ctx)
	if err != nil {
		t.Errorf("Shutdown() error = %v, want nil", err)
	}
}

func TestNewDisabledReturnsWorkingNoops(t *testing.T) {
	collector, server := New(Config{Enabled: false, Address: ":9100", Path: "/metrics"})

	if collector == nil {
		t.Fatal("New() returned nil collector")
	}
	if server == nil {
		t.Fatal("New() returned nil server")
	}

	collector.ConnectionOpened()
	collector.ConnectionClosed()

	ctx := context.Background()
	if err := server.Start(ctx); err != nil {
		t.Errorf("server.Start() error = %v", err)
	}
	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("server.Shutdown() error = %v", err)
	}
}
