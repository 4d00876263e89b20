/*
Package observability exposes engine activity as Prometheus metrics.

Metrics implements domain.LifecycleHooks so it can be passed straight to the
engine, and LimiterCollector reports the live state of service limiters.
*/
package observability
