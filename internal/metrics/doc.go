// Package metrics provides Prometheus metrics for the duck service.
package metrics
