package interfaces

import "github.com/RevenuePilot/analytics-go/internal/models"

// ReachabilityMonitor reports current network connectivity and notifies
// subscribers on change. The scheduler uses it to gate internet-constrained
// jobs.
type ReachabilityMonitor interface {
	// Level returns the current connectivity classification.
	Level() models.NetworkLevel

	// Subscribe registers a callback invoked on every level change. The
	// returned function removes the subscription.
	Subscribe(fn func(models.NetworkLevel)) (cancel func())
}

// PowerMonitor reports whether the host is on external power. Used for the
// charging gate; the default implementation always reports true on hosts
// without a battery concept.
type PowerMonitor interface {
	Charging() bool
}
