// Package metrics exposes session and API telemetry as Prometheus metrics.
package metrics
