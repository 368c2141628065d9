package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

func (n *NoopCollector) ConnectionOpened()                          {}
func (n *NoopCollector) ConnectionClosed()                          {}
func (n *NoopCollector) MessageAccepted(sizeBytes int64)            {}
func (n *NoopCollector) MessageRejected(reason string)              {}
func (n *NoopCollector) CommandProcessed(verb string)               {}
func (n *NoopCollector) LocalDeliveryCompleted(success bool)        {}
func (n *NoopCollector) SpoolFanoutFailed(stage string)             {}
func (n *NoopCollector) RelayAttempted(domain string)               {}
func (n *NoopCollector) RelayCompleted(domain string, success bool) {}
func (n *NoopCollector) DNSCacheHit()                               {}
func (n *NoopCollector) DNSCacheMiss()                              {}
