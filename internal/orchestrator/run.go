package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "github.com/AgentZ2077/game/internal/errors"
)

// LatestActionsKey is the environment key under which RunAll exposes the
// outcomes of the agents that already ran.
const LatestActionsKey = "latest_actions"

// Mode names how a report was produced.
type Mode string

const (
	ModeAll       Mode = "all"
	ModeSelective Mode = "selective"
)

// Report collects the outcomes of one run.
type Report struct {
	Player    string             `json:"player"`
	Mode      Mode               `json:"mode"`
	Agents    []string           `json:"agents"`
	Timestamp time.Time          `json:"timestamp"`
	Results   map[string]Outcome `json:"results"`
}

// Failed lists the agents whose outcome is a failure, in run order.
func (r *Report) Failed() []string {
	var out []string
	for _, name := range r.Agents {
		if outcome, ok := r.Results[name]; ok && !outcome.OK() {
			out = append(out, name)
		}
	}
	return out
}

// RunAll runs every agent in execution order, one at a time. Each agent sees
// the caller's environment plus, under LatestActionsKey, the outcomes of all
// agents that ran before it in this call. A failing agent is recorded and the
// run continues. The caller's environment is never modified.
func (o *Orchestrator) RunAll(ctx context.Context, player string, env map[string]any) (*Report, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}

	shared := CloneEnvironment(env)
	latest := make(map[string]any, len(o.order))
	results := make(map[string]Outcome, len(o.order))

	for _, name := range o.order {
		outcome := o.invoke(ctx, o.agents[name], player, CloneEnvironment(shared))
		results[name] = outcome
		latest[name] = outcome.Map()
		shared[LatestActionsKey] = latest
	}

	return &Report{
		Player:    player,
		Mode:      ModeAll,
		Agents:    o.Order(),
		Timestamp: o.clock(),
		Results:   results,
	}, nil
}

// RunSelective runs the named agents concurrently. Unknown names are skipped
// and repeated names run once. Every agent receives its own copy of the same
// starting environment, so none observes another's output.
func (o *Orchestrator) RunSelective(ctx context.Context, names []string, player string, env map[string]any) (*Report, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}

	selected := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, ok := o.agents[name]; !ok {
			o.logger.Debug("skipping unknown agent", slog.String("agent", name))
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		selected = append(selected, name)
	}

	snapshot := CloneEnvironment(env)
	outcomes := make([]Outcome, len(selected))

	var g errgroup.Group
	if o.maxConcurrency > 0 {
		g.SetLimit(o.maxConcurrency)
	}
	for i, name := range selected {
		i, agent := i, o.agents[name]
		view := CloneEnvironment(snapshot)
		g.Go(func() error {
			outcomes[i] = o.invoke(ctx, agent, player, view)
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[string]Outcome, len(selected))
	for i, name := range selected {
		results[name] = outcomes[i]
	}
	return &Report{
		Player:    player,
		Mode:      ModeSelective,
		Agents:    selected,
		Timestamp: o.clock(),
		Results:   results,
	}, nil
}

// invoke calls the dispatcher for one agent and converts panics and context
// cancellation into failure outcomes.
func (o *Orchestrator) invoke(ctx context.Context, agent Agent, player string, env map[string]any) (outcome Outcome) {
	start := o.clock()
	log := o.logger.With(slog.String("agent", agent.Name), slog.String("player", player))

	defer func() {
		if r := recover(); r != nil {
			outcome = Failed(agent.Name, xerrors.New(CodeAgentFailed, fmt.Sprintf("panic: %v", r)))
		}
		elapsed := o.clock().Sub(start)
		if outcome.OK() {
			log.Debug("agent completed", slog.Duration("elapsed", elapsed))
		} else {
			log.Warn("agent failed", slog.String("error", outcome.Failure.Error), slog.String("code", string(outcome.Failure.Code)))
		}
		o.lastMu.Lock()
		o.last[agent.Name] = outcome
		o.lastMu.Unlock()
		if o.observer != nil {
			o.observer(agent.Name, outcome.OK(), elapsed)
		}
	}()

	if err := ctx.Err(); err != nil {
		return Failed(agent.Name, xerrors.Wrap(xerrors.CodeTimeout, err, "run cancelled"))
	}
	log.Info("running agent")
	outcome = o.dispatcher.Dispatch(ctx, agent, player, env)
	if outcome.Failure != nil && outcome.Failure.Agent == "" {
		outcome.Failure.Agent = agent.Name
	}
	return outcome
}
