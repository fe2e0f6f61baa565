// Package api exposes the game runtime over HTTP: single agent dispatch,
// orchestrated runs (synchronous or queued), memory queries, simulations,
// the action journal and Prometheus metrics.
package api
