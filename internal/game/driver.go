package game

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AgentZ2077/game/internal/agent"
	xerrors "github.com/AgentZ2077/game/internal/errors"
	"github.com/AgentZ2077/game/internal/memory"
	"github.com/AgentZ2077/game/internal/orchestrator"
	"github.com/AgentZ2077/game/internal/proofs"
	"github.com/AgentZ2077/game/internal/task"
	"github.com/AgentZ2077/game/pkg/logger"
)

// Memory tags written by the driver.
const (
	TagRun        = "run"
	TagOK         = "ok"
	TagFailed     = "failed"
	TagSimulation = "simulation"
)

// PlayerTopic is the memory topic holding a player's run outcomes.
func PlayerTopic(player string) string {
	return "player:" + player
}

// Driver composes the orchestrator, the agent runtime, the memory store and
// the digest ledger.
type Driver struct {
	orch    *orchestrator.Orchestrator
	runtime *agent.Runtime
	store   *memory.Store
	ledger  *proofs.Ledger
	journal *slog.Logger
	logger  *slog.Logger
	clock   func() time.Time
	newID   func() string

	defaultTopic  string
	defaultRounds int
}

// Option configures a Driver.
type Option func(*Driver)

// WithLedger replaces the digest ledger.
func WithLedger(l *proofs.Ledger) Option {
	return func(d *Driver) {
		if l != nil {
			d.ledger = l
		}
	}
}

// WithJournal sets the logger receiving one line per run and simulation step.
func WithJournal(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.journal = l
		}
	}
}

// WithLogger overrides the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(d *Driver) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithRunIDGenerator overrides how run ids are minted.
func WithRunIDGenerator(gen func() string) Option {
	return func(d *Driver) {
		if gen != nil {
			d.newID = gen
		}
	}
}

// WithSimulationDefaults sets the topic and round count used when a
// Simulation leaves them empty.
func WithSimulationDefaults(topic string, rounds int) Option {
	return func(d *Driver) {
		if topic != "" {
			d.defaultTopic = topic
		}
		if rounds > 0 {
			d.defaultRounds = rounds
		}
	}
}

// NewDriver wires a driver. All three collaborators are required.
func NewDriver(orch *orchestrator.Orchestrator, runtime *agent.Runtime, store *memory.Store, opts ...Option) (*Driver, error) {
	if orch == nil || runtime == nil || store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "orchestrator, runtime and memory store are required")
	}
	d := &Driver{
		orch:          orch,
		runtime:       runtime,
		store:         store,
		ledger:        proofs.NewLedger(),
		journal:       logger.Journal(),
		logger:        logger.Named("game"),
		clock:         time.Now,
		newID:         uuid.NewString,
		defaultTopic:  "town-activity",
		defaultRounds: 3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Orchestrator exposes the underlying orchestrator.
func (d *Driver) Orchestrator() *orchestrator.Orchestrator { return d.orch }

// Runtime exposes the agent runtime.
func (d *Driver) Runtime() *agent.Runtime { return d.runtime }

// Memory exposes the memory store.
func (d *Driver) Memory() *memory.Store { return d.store }

// Ledger exposes the digest ledger.
func (d *Driver) Ledger() *proofs.Ledger { return d.ledger }

// Execute runs the request and remembers every outcome under the player's
// topic. Entries of one run share a run:<id> tag and each entry references
// the entries of its prerequisites.
func (d *Driver) Execute(ctx context.Context, req task.Request) (*orchestrator.Report, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var (
		report *orchestrator.Report
		err    error
	)
	if req.Selective() {
		report, err = d.orch.RunSelective(ctx, req.Agents, req.Player, req.Environment)
	} else {
		report, err = d.orch.RunAll(ctx, req.Player, req.Environment)
	}
	if err != nil {
		return nil, err
	}

	runID := req.ID
	if runID == "" {
		runID = d.newID()
	}
	topic := PlayerTopic(req.Player)
	entries := make(map[string]string, len(report.Agents))
	for _, name := range report.Agents {
		outcome := report.Results[name]
		status := TagOK
		if !outcome.OK() {
			status = TagFailed
		}
		entry := d.store.Add(ctx, topic, name, outcome.Map(),
			TagRun, status, "mode:"+string(report.Mode), "run:"+runID)
		entries[name] = entry.ID
		if raw, err := json.Marshal(outcome); err == nil {
			d.ledger.Record(name, raw)
		}
	}
	var links []memory.Link
	for _, name := range report.Agents {
		for _, prereq := range d.orch.Prerequisites(name) {
			if target, ok := entries[prereq]; ok {
				links = append(links, memory.Link{Source: entries[name], Target: target})
			}
		}
	}
	d.store.ConnectAll(ctx, links...)

	d.journal.Info("run",
		slog.String("run_id", runID),
		slog.String("player", req.Player),
		slog.String("mode", string(report.Mode)),
		slog.Any("agents", report.Agents),
		slog.Any("failed", report.Failed()),
	)
	return report, nil
}

// Dispatch runs a single agent outside of any ordering, the way the MCP
// context endpoint does.
func (d *Driver) Dispatch(ctx context.Context, agentName, player string, env map[string]any) orchestrator.Outcome {
	outcome := d.runtime.DispatchByName(ctx, agentName, player, env)
	d.journal.Info("dispatch",
		slog.String("agent", agentName),
		slog.String("player", player),
		slog.Bool("ok", outcome.OK()),
	)
	return outcome
}

// Simulation parameterises the scripted game loop. Zero values fall back to
// the driver defaults: agents thief and guard, the configured topic and
// round count, and a town-square environment.
type Simulation struct {
	Rounds      int            `json:"rounds"`
	Agents      []string       `json:"agents"`
	Topic       string         `json:"topic"`
	Environment map[string]any `json:"environment"`
}

// Step is one journal line of a simulation.
type Step struct {
	Round   int            `json:"round"`
	Agent   string         `json:"agent"`
	Skill   string         `json:"skill"`
	Params  map[string]any `json:"params"`
	Result  map[string]any `json:"result"`
	Digest  string         `json:"digest"`
	EntryID string         `json:"entry_id"`
	Time    string         `json:"time"`
}

// Simulate runs every round: each agent decides, runs the chosen skill on
// its own behalf, has the result digested and remembers it under the topic.
// Skill failures are remembered as error results and do not stop the loop.
func (d *Driver) Simulate(ctx context.Context, sim Simulation) ([]Step, error) {
	if sim.Rounds <= 0 {
		sim.Rounds = d.defaultRounds
	}
	if len(sim.Agents) == 0 {
		sim.Agents = []string{"thief", "guard"}
	}
	if sim.Topic == "" {
		sim.Topic = d.defaultTopic
	}
	if sim.Environment == nil {
		sim.Environment = map[string]any{"env": "town-square", "time": d.clock().Format("15:04")}
	}
	for _, name := range sim.Agents {
		if !d.runtime.Has(name) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown agent %q", name))
		}
	}

	steps := make([]Step, 0, sim.Rounds*len(sim.Agents))
	for round := 1; round <= sim.Rounds; round++ {
		for _, name := range sim.Agents {
			if err := ctx.Err(); err != nil {
				return steps, xerrors.Wrap(xerrors.CodeTimeout, err, "simulation interrupted")
			}
			steps = append(steps, d.step(ctx, round, name, sim))
		}
	}
	return steps, nil
}

func (d *Driver) step(ctx context.Context, round int, name string, sim Simulation) Step {
	decision := d.runtime.Decide(name, sim.Environment)
	result := map[string]any{"action": agent.NoopAction}
	if !decision.Noop() {
		out, err := d.runtime.RunSkill(ctx, decision.Action, name)
		if err != nil {
			out = orchestrator.Failed(name, err).Map()
		}
		result = out
	}

	raw, err := json.Marshal(result)
	if err != nil {
		raw = []byte(fmt.Sprint(result))
	}
	digest := d.ledger.Record(name, raw)
	entry := d.store.Add(ctx, sim.Topic, name, result, TagSimulation, "skill:"+decision.Action)

	step := Step{
		Round:   round,
		Agent:   name,
		Skill:   decision.Action,
		Params:  decision.Params,
		Result:  result,
		Digest:  digest,
		EntryID: entry.ID,
		Time:    d.clock().Format("15:04:05"),
	}
	d.journal.Info("simulation",
		slog.String("agent", step.Agent),
		slog.String("skill", step.Skill),
		slog.Any("params", step.Params),
		slog.String("digest", step.Digest),
		slog.String("time", step.Time),
	)
	return step
}
