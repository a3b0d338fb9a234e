package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	registry *prometheus.Registry
	enabled  bool
)

// InitRegistry sets the Prometheus registry metrics are registered against
// and marks metrics collection enabled. Call once during startup before any
// New*Metrics constructor; omit the call to leave metrics collection off.
func InitRegistry(reg *prometheus.Registry) {
	registry = reg
	enabled = reg != nil
}

// IsEnabled reports whether InitRegistry has been called with a non-nil
// registry.
func IsEnabled() bool {
	return enabled
}

// GetRegistry returns the registry set by InitRegistry, or a new, empty
// Prometheus registry if metrics collection has not been enabled.
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return prometheus.NewRegistry()
	}
	return registry
}
