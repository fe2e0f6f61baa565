// Package orchestrator orders agents by their declared prerequisites and runs
// them, either sequentially with a shared environment or concurrently from a
// common snapshot. A failing agent never stops the other agents; its result
// is a Failure naming it.
package orchestrator
