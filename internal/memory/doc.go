// Package memory records what agents did. Entries are filed under a topic,
// indexed by producing agent and tag, linked to each other through
// references and optionally flushed to a Snapshotter after every change.
package memory
