// Package redis keeps memory snapshots in Redis under a single key.
package redis
