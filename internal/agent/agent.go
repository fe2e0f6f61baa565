package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AgentZ2077/game/internal/config"
	xerrors "github.com/AgentZ2077/game/internal/errors"
	"github.com/AgentZ2077/game/internal/orchestrator"
	"github.com/AgentZ2077/game/internal/skill"
	"github.com/AgentZ2077/game/pkg/logger"
)

// NoopAction is the decision returned when an agent has nothing scripted.
const NoopAction = "noop"

const (
	// CodeUnknownAgent is returned when a request names an agent that is
	// not part of the roster.
	CodeUnknownAgent xerrors.Code = "AGENT_UNKNOWN"
	// CodeUnknownSkill is returned when a skill name cannot be resolved.
	CodeUnknownSkill xerrors.Code = "AGENT_UNKNOWN_SKILL"
)

func init() {
	xerrors.Register(CodeUnknownAgent, xerrors.Attributes{
		Message:  "unknown agent",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeUnknownSkill, xerrors.Attributes{
		Message:  "unknown skill",
		Severity: xerrors.SeverityWarning,
	})
}

// Decision is a skill call chosen for an agent.
type Decision struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// Noop reports whether the decision does nothing.
func (d Decision) Noop() bool {
	return d.Action == NoopAction
}

// Runtime executes roster agents. It satisfies orchestrator.Dispatcher.
type Runtime struct {
	roster       *config.Roster
	set          *skill.Set
	logger       *slog.Logger
	skillTimeout time.Duration
}

// Option customises a Runtime.
type Option func(*Runtime)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSkillTimeout bounds every single skill execution.
func WithSkillTimeout(timeout time.Duration) Option {
	return func(r *Runtime) {
		if timeout < 0 {
			timeout = 0
		}
		r.skillTimeout = timeout
	}
}

// New creates a runtime over the roster and its resolved skills.
func New(roster *config.Roster, set *skill.Set, opts ...Option) (*Runtime, error) {
	if roster == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "roster is required")
	}
	if set == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "skill set is required")
	}
	for _, name := range roster.AgentNames() {
		for _, sk := range roster.Agents[name].Behavior {
			if _, ok := set.Get(sk); !ok {
				return nil, xerrors.New(xerrors.CodeInvalidConfiguration,
					fmt.Sprintf("agent %q uses unresolved skill %q", name, sk))
			}
		}
	}
	r := &Runtime{
		roster: roster,
		set:    set,
		logger: logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Agents returns the roster agents in the shape the orchestrator expects,
// together with the dependency map.
func (r *Runtime) Agents() ([]orchestrator.Agent, map[string][]string) {
	names := r.roster.AgentNames()
	agents := make([]orchestrator.Agent, 0, len(names))
	for _, name := range names {
		agents = append(agents, orchestrator.Agent{Name: name, Definition: r.roster.Agents[name]})
	}
	deps := make(map[string][]string, len(r.roster.Dependencies))
	for name, prereqs := range r.roster.Dependencies {
		deps[name] = append([]string(nil), prereqs...)
	}
	return agents, deps
}

// Has reports whether the roster declares name.
func (r *Runtime) Has(name string) bool {
	_, ok := r.roster.Agents[name]
	return ok
}

// Skills lists the resolved skill names.
func (r *Runtime) Skills() []string {
	return r.set.Names()
}

// Dispatch runs the behaviour chain of agent for player. Every skill in the
// chain runs in order; the first failure fails the whole agent.
func (r *Runtime) Dispatch(ctx context.Context, ag orchestrator.Agent, player string, _ map[string]any) orchestrator.Outcome {
	rule, ok := r.roster.Agents[ag.Name]
	if !ok {
		return orchestrator.Failed(ag.Name, xerrors.New(CodeUnknownAgent, "unknown agent"))
	}
	if strings.TrimSpace(player) == "" {
		return orchestrator.Failed(ag.Name, xerrors.New(xerrors.CodeInvalidArgument, "player is required"))
	}

	actions := make([]any, 0, len(rule.Behavior))
	for _, name := range rule.Behavior {
		result, err := r.RunSkill(ctx, name, player)
		if err != nil {
			r.logger.Warn("skill failed",
				slog.String("agent", ag.Name),
				slog.String("skill", name),
				slog.String("player", player),
				slog.Any("error", err))
			return orchestrator.Failed(ag.Name, err)
		}
		actions = append(actions, result)
	}

	return orchestrator.Succeeded(map[string]any{
		"agent":   ag.Name,
		"player":  player,
		"actions": actions,
	})
}

// DispatchByName is Dispatch for callers that only know the agent name.
func (r *Runtime) DispatchByName(ctx context.Context, name, player string, env map[string]any) orchestrator.Outcome {
	ag := orchestrator.Agent{Name: name}
	if rule, ok := r.roster.Agents[name]; ok {
		ag.Definition = rule
	}
	return r.Dispatch(ctx, ag, player, orchestrator.CloneEnvironment(env))
}

// RunSkill executes the skill called name for player.
func (r *Runtime) RunSkill(ctx context.Context, name, player string) (map[string]any, error) {
	sk, ok := r.set.Get(name)
	if !ok {
		return nil, xerrors.New(CodeUnknownSkill, fmt.Sprintf("skill %q not found", name))
	}
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "skill not started")
	}
	if r.skillTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.skillTimeout)
		defer cancel()
	}
	result, err := sk.Run(ctx, player)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("skill %s timed out", name))
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(skill.CodeSkillFailed, err, fmt.Sprintf("skill %s failed", name))
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

// Decide returns the scripted decision for agent. Agents without a valid
// decision get a noop. The environment is accepted for parity with a
// planner that would read it; the scripted table ignores it.
func (r *Runtime) Decide(agent string, _ map[string]any) Decision {
	rule, ok := r.roster.Agents[agent]
	if !ok {
		return noop()
	}
	decision := Decision{Action: strings.TrimSpace(rule.Decision.Action), Params: rule.Decision.Params}
	if !valid(decision, r.set) {
		if decision.Action != "" {
			r.logger.Warn("invalid decision replaced by noop",
				slog.String("agent", agent),
				slog.String("action", decision.Action))
		}
		return noop()
	}
	params := make(map[string]any, len(decision.Params))
	for k, v := range decision.Params {
		params[k] = v
	}
	decision.Params = params
	return decision
}

func valid(d Decision, set *skill.Set) bool {
	if d.Action == "" {
		return false
	}
	if d.Noop() {
		return true
	}
	_, ok := set.Get(d.Action)
	return ok
}

func noop() Decision {
	return Decision{Action: NoopAction, Params: map[string]any{}}
}
