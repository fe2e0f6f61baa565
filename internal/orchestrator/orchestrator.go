package orchestrator

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "github.com/AgentZ2077/game/internal/errors"
	"github.com/AgentZ2077/game/pkg/logger"
)

const (
	CodeCircularDependency xerrors.Code = "ORCHESTRATOR_CIRCULAR_DEPENDENCY"
	CodeUnknownDependency  xerrors.Code = "ORCHESTRATOR_UNKNOWN_DEPENDENCY"
	CodeInvalidAgent       xerrors.Code = "ORCHESTRATOR_INVALID_AGENT"
	CodeNotReady           xerrors.Code = "ORCHESTRATOR_NOT_READY"
	CodeAgentFailed        xerrors.Code = "AGENT_FAILED"
)

var (
	// ErrCircularDependency matches any construction failure caused by a cycle.
	ErrCircularDependency = xerrors.New(CodeCircularDependency, "circular dependency")
	// ErrUnknownDependency matches references to undeclared agents.
	ErrUnknownDependency = xerrors.New(CodeUnknownDependency, "unknown dependency")
	// ErrNotReady is returned by runs on an orchestrator that was never built.
	ErrNotReady = xerrors.New(CodeNotReady, "orchestrator not initialized")
)

func init() {
	xerrors.Register(CodeCircularDependency, xerrors.Attributes{
		Message:  "circular dependency",
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeUnknownDependency, xerrors.Attributes{
		Message:  "unknown dependency",
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeInvalidAgent, xerrors.Attributes{
		Message:  "invalid agent declaration",
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeNotReady, xerrors.Attributes{
		Message:  "orchestrator not initialized",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAgentFailed, xerrors.Attributes{
		Message:   "agent failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// State is the lifecycle state of an Orchestrator.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateOrdered       State = "ordered"
	StateFailed        State = "failed"
)

// Agent is a named unit of game logic. Definition is opaque to the
// orchestrator and handed to the Dispatcher untouched.
type Agent struct {
	Name       string
	Definition any
}

// Observer is told about every agent invocation.
type Observer func(agent string, ok bool, elapsed time.Duration)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock used for report timestamps and timings.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMaxConcurrency caps how many agents RunSelective runs at once. Zero or
// less means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(o *Orchestrator) {
		o.maxConcurrency = n
	}
}

// WithObserver registers a callback invoked after every agent call.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

// Orchestrator runs agents in dependency order. The order is computed once by
// New and never changes; rebuild the orchestrator to change dependencies.
type Orchestrator struct {
	agents     map[string]Agent
	declared   []string
	deps       map[string][]string
	order      []string
	state      State
	err        error
	dispatcher Dispatcher

	logger         *slog.Logger
	clock          func() time.Time
	maxConcurrency int
	observer       Observer

	lastMu sync.RWMutex
	last   map[string]Outcome
}

// New validates the agents and dependencies and computes the execution
// order. Every dependency target must be a declared agent. On failure the
// returned orchestrator is in StateFailed and every run reports err.
func New(agents []Agent, deps map[string][]string, dispatcher Dispatcher, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		agents: make(map[string]Agent, len(agents)),
		deps:   make(map[string][]string, len(deps)),
		state:  StateUninitialized,
		clock:  time.Now,
		last:   make(map[string]Outcome),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = logger.Named("orchestrator")
	}
	o.dispatcher = dispatcher

	if err := o.build(agents, deps); err != nil {
		o.state = StateFailed
		o.err = err
		o.logger.Error("orchestrator construction failed", slog.Any("error", err))
		return o, err
	}
	o.state = StateOrdered
	o.logger.Debug("execution order resolved", slog.Any("order", o.order))
	return o, nil
}

func (o *Orchestrator) build(agents []Agent, deps map[string][]string) error {
	if o.dispatcher == nil {
		return xerrors.New(CodeInvalidAgent, "dispatcher is required")
	}
	for _, agent := range agents {
		name := strings.TrimSpace(agent.Name)
		if name == "" || name != agent.Name {
			return xerrors.New(CodeInvalidAgent, fmt.Sprintf("invalid agent name %q", agent.Name))
		}
		if _, dup := o.agents[name]; dup {
			return xerrors.New(CodeInvalidAgent, fmt.Sprintf("agent %q declared twice", name))
		}
		o.agents[name] = agent
		o.declared = append(o.declared, name)
	}

	for agent, prereqs := range deps {
		if _, ok := o.agents[agent]; !ok {
			return xerrors.New(CodeUnknownDependency, fmt.Sprintf("dependencies declared for unknown agent %q", agent))
		}
		for _, dep := range prereqs {
			if _, ok := o.agents[dep]; !ok {
				return xerrors.New(CodeUnknownDependency, fmt.Sprintf("agent %q depends on unknown agent %q", agent, dep))
			}
		}
		o.deps[agent] = append([]string(nil), prereqs...)
	}

	order, err := resolveOrder(o.declared, o.deps)
	if err != nil {
		return err
	}
	o.order = order
	return nil
}

type mark uint8

const (
	unvisited mark = iota
	inProgress
	done
)

// resolveOrder is a depth-first topological sort. Prerequisites are emitted
// before their dependents; reaching an in-progress node is a cycle.
func resolveOrder(declared []string, deps map[string][]string) ([]string, error) {
	marks := make(map[string]mark, len(declared))
	order := make([]string, 0, len(declared))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case done:
			return nil
		case inProgress:
			return cycleError(stack, name)
		}
		marks[name] = inProgress
		stack = append(stack, name)
		for _, dep := range deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		marks[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range declared {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// cycleError renders the cycle closed at name, e.g. "x -> y -> x".
func cycleError(stack []string, name string) error {
	start := 0
	for i, n := range stack {
		if n == name {
			start = i
			break
		}
	}
	path := append(append([]string(nil), stack[start:]...), name)
	return xerrors.New(CodeCircularDependency,
		"circular dependency: "+strings.Join(path, " -> "),
		xerrors.WithMetadata("cycle", strings.Join(path, ",")))
}

// State returns the lifecycle state.
func (o *Orchestrator) State() State {
	if o == nil || o.state == "" {
		return StateUninitialized
	}
	return o.state
}

// Err returns the construction error of a failed orchestrator.
func (o *Orchestrator) Err() error {
	if o == nil {
		return ErrNotReady
	}
	return o.err
}

// Order returns a copy of the execution order.
func (o *Orchestrator) Order() []string {
	if o == nil {
		return nil
	}
	return append([]string(nil), o.order...)
}

// Prerequisites returns the declared prerequisites of name.
func (o *Orchestrator) Prerequisites(name string) []string {
	if o == nil {
		return nil
	}
	return append([]string(nil), o.deps[name]...)
}

// Agents returns the agents in declaration order.
func (o *Orchestrator) Agents() []Agent {
	if o == nil {
		return nil
	}
	out := make([]Agent, 0, len(o.declared))
	for _, name := range o.declared {
		out = append(out, o.agents[name])
	}
	return out
}

// Has reports whether name is a declared agent.
func (o *Orchestrator) Has(name string) bool {
	if o == nil {
		return false
	}
	_, ok := o.agents[name]
	return ok
}

// Last returns the most recent outcome recorded for an agent by any run.
func (o *Orchestrator) Last(name string) (Outcome, bool) {
	if o == nil {
		return Outcome{}, false
	}
	o.lastMu.RLock()
	defer o.lastMu.RUnlock()
	out, ok := o.last[name]
	return out, ok
}

func (o *Orchestrator) ready() error {
	switch o.State() {
	case StateOrdered:
		return nil
	case StateFailed:
		return o.err
	default:
		return ErrNotReady
	}
}
