// Package mysql persists memory snapshots in MySQL. It owns the connection
// pool setup and applies the embedded schema migrations on startup.
package mysql
