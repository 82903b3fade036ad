// Package metrics exposes NOC Core counters to Prometheus.
//
// Counters are incremented by the relay, the device sync job and the
// HTTP layer. Point-in-time values such as open incidents or cached
// devices are registered as gauge functions read at scrape time:
//
//	m := metrics.New()
//	m.Gauge("status_devices", "Devices in the status cache.", func() float64 {
//	    return float64(cache.Len())
//	})
//	router.Handle("/metrics", m.Handler())
package metrics
