package skill

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/AgentZ2077/game/internal/config"
	xerrors "github.com/AgentZ2077/game/internal/errors"
)

// CodeSkillFailed marks an error returned by a skill run.
const CodeSkillFailed xerrors.Code = "SKILL_FAILED"

func init() {
	xerrors.Register(CodeSkillFailed, xerrors.Attributes{
		Message:   "skill failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Skill is one game action an agent can perform for a player.
type Skill interface {
	Name() string
	Kind() string
	Run(ctx context.Context, player string) (map[string]any, error)
}

// Env carries the shared sources skills draw on.
type Env struct {
	Clock func() time.Time
	Rand  *Rand
}

// Factory builds a skill called name from its decoded params.
type Factory func(name string, params map[string]any, env Env) (Skill, error)

// Registry maps skill kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	env       Env
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the clock handed to skills.
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.env.Clock = clock
		}
	}
}

// WithSeed makes randomised skills reproducible.
func WithSeed(seed int64) RegistryOption {
	return func(r *Registry) {
		r.env.Rand = NewRand(seed)
	}
}

// NewRegistry returns a registry without any kinds.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		env:       Env{Clock: time.Now},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.env.Rand == nil {
		r.env.Rand = NewRand(time.Now().UnixNano())
	}
	return r
}

// DefaultRegistry returns a registry with every built-in kind.
func DefaultRegistry(opts ...RegistryOption) *Registry {
	r := NewRegistry(opts...)
	for kind, factory := range builtins() {
		r.factories[kind] = factory
	}
	return r
}

// Register adds a kind. Registering an existing kind is a conflict.
func (r *Registry) Register(kind string, factory Factory) error {
	kind = strings.TrimSpace(kind)
	if kind == "" || factory == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "skill kind and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("skill kind %q already registered", kind))
	}
	r.factories[kind] = factory
	return nil
}

// Kinds lists the registered kinds in lexical order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Build resolves every definition into a Skill. Unknown kinds and params that
// do not decode fail the whole build.
func (r *Registry) Build(defs []config.SkillDefinition) (*Set, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := &Set{skills: make(map[string]Skill, len(defs))}
	for _, def := range defs {
		factory, ok := r.factories[def.Kind]
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidConfiguration,
				fmt.Sprintf("skill %q has unknown kind %q", def.Name, def.Kind))
		}
		if _, dup := set.skills[def.Name]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidConfiguration, fmt.Sprintf("skill %q declared twice", def.Name))
		}
		sk, err := factory(def.Name, def.Params, r.env)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidConfiguration, err, fmt.Sprintf("build skill %q", def.Name))
		}
		set.skills[def.Name] = sk
		set.order = append(set.order, def.Name)
	}
	return set, nil
}

// Set is the resolved collection of named skills.
type Set struct {
	skills map[string]Skill
	order  []string
}

// Get returns the skill called name.
func (s *Set) Get(name string) (Skill, bool) {
	if s == nil {
		return nil, false
	}
	sk, ok := s.skills[name]
	return sk, ok
}

// Names returns skill names in declaration order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}

// decode copies params into out, rejecting unknown keys.
func decode(params map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if params == nil {
		return nil
	}
	return decoder.Decode(params)
}

// Rand is a mutex guarded pseudo random source shared by skills.
type Rand struct {
	mu  sync.Mutex
	src *rand.Rand
}

// NewRand seeds a new source.
func NewRand(seed int64) *Rand {
	return &Rand{src: rand.New(rand.NewSource(seed))}
}

// Float64 returns a value in [0, 1).
func (r *Rand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Float64()
}

// Intn returns a value in [0, n).
func (r *Rand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Intn(n)
}
