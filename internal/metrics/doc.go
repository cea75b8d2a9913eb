/*
Package metrics exports cache activity to Prometheus.

The Collector implements types.MetricsRecorder; attach it to the cache
tiers with their SetMetricsRecorder methods and, optionally, serve the
exposition endpoint with Serve. All counters are namespaced under the
configured namespace (default "contentcache").
*/
package metrics
