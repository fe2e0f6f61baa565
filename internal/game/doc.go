// Package game drives agent runs end to end. It executes orchestrated runs
// and records their outcomes in the memory store, and it replays the
// decide-act-remember simulation loop over a shared topic.
package game
