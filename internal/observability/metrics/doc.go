// Package metrics exposes Prometheus collectors for the HTTP surface, agent
// invocations and the memory store.
package metrics
