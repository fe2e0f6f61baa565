// Package agent runs roster agents: each agent owns a behaviour chain of
// skills executed in order for a player, plus a scripted decision used by the
// simulation loop. Runtime implements orchestrator.Dispatcher.
package agent
