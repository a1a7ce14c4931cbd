// Package metrics exposes prometheus counters for the ingestion pipeline,
// the virtual file server and NAT traversal.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rarlink",
		Name:      "queue_items_total",
		Help:      "Queue item state transitions by outcome (processed, retried, failed)",
	}, []string{"outcome"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rarlink",
		Name:      "queue_depth",
		Help:      "Items waiting in the processing queue, including delayed retries",
	})

	registrySize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rarlink",
		Name:      "retry_registry_size",
		Help:      "Incomplete archives awaiting a completeness re-test",
	})

	dispatchModes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rarlink",
		Name:      "dispatch_mode_total",
		Help:      "Archives dispatched by effective mode and whether the configured mode was overridden",
	}, []string{"mode", "forced"})

	vfsMounts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rarlink",
		Name:      "vfs_mounts",
		Help:      "Archives currently mounted in the virtual file server",
	})

	vfsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rarlink",
		Name:      "vfs_requests_total",
		Help:      "Virtual file server responses by method and status code",
	}, []string{"method", "code"})

	vfsBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rarlink",
		Name:      "vfs_bytes_served_total",
		Help:      "Bytes written to virtual file server clients",
	})

	natMappings = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rarlink",
		Name:      "nat_port_mappings",
		Help:      "Active NAT port mappings",
	})

	natOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rarlink",
		Name:      "nat_operations_total",
		Help:      "NAT traversal operations by kind and result",
	}, []string{"op", "result"})
)

// RecordQueueOutcome counts one processed, retried or failed transition.
func RecordQueueOutcome(outcome string) {
	queueTransitions.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the current queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetRegistrySize records the retry registry length.
func SetRegistrySize(n int) {
	registrySize.Set(float64(n))
}

// RecordDispatch counts an archive routed to mode.
func RecordDispatch(mode string, forced bool) {
	label := "false"
	if forced {
		label = "true"
	}
	dispatchModes.WithLabelValues(mode, label).Inc()
}

// SetMounts records the number of mounted archives.
func SetMounts(n int) {
	vfsMounts.Set(float64(n))
}

// RecordRequest counts one virtual file server response.
func RecordRequest(method string, code int) {
	vfsRequests.WithLabelValues(method, statusLabel(code)).Inc()
}

// AddBytesServed adds n to the served bytes counter.
func AddBytesServed(n int64) {
	if n > 0 {
		vfsBytes.Add(float64(n))
	}
}

// SetNATMappings records the active mapping count.
func SetNATMappings(n int) {
	natMappings.Set(float64(n))
}

// RecordNATOperation counts a discover, open, renew or close call.
func RecordNATOperation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	natOperations.WithLabelValues(op, result).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code == 416:
		return "416"
	case code == 404:
		return "404"
	case code == 206:
		return "206"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
