package skill

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AgentZ2077/game/internal/config"
	xerrors "github.com/AgentZ2077/game/internal/errors"
)

func at(hour int) func() time.Time {
	return func() time.Time { return time.Date(2024, 5, 1, hour, 0, 0, 0, time.UTC) }
}

func build(t *testing.T, reg *Registry, defs ...config.SkillDefinition) *Set {
	t.Helper()
	set, err := reg.Build(defs)
	require.NoError(t, err)
	return set
}

func TestGreetingDependsOnHour(t *testing.T) {
	ctx := context.Background()
	def := config.SkillDefinition{Name: "greet", Kind: KindGreeting}

	day := build(t, DefaultRegistry(WithClock(at(9))), def)
	sk, ok := day.Get("greet")
	require.True(t, ok)
	out, err := sk.Run(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Good day, Alice! Welcome back.", out["message"])

	evening := build(t, DefaultRegistry(WithClock(at(18))), def)
	sk, _ = evening.Get("greet")
	out, err = sk.Run(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Good evening, Alice! Welcome back.", out["message"])
	assert.Equal(t, "greeting", out["action"])
}

func TestBrewMintsItem(t *testing.T) {
	set := build(t, DefaultRegistry(),
		config.SkillDefinition{Name: "brew_item", Kind: KindBrew},
		config.SkillDefinition{Name: "brew_ale", Kind: KindBrew, Params: map[string]any{"item": "dwarf_ale"}},
	)
	sk, _ := set.Get("brew_item")
	out, err := sk.Run(context.Background(), "Alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"action": "brew_result",
		"player": "Alice",
		"item":   "elven_wine",
		"status": "minted",
		"nft_id": "nft_Alice_elven_wine",
	}, out)

	sk, _ = set.Get("brew_ale")
	out, _ = sk.Run(context.Background(), "Bob")
	assert.Equal(t, "nft_Bob_dwarf_ale", out["nft_id"])
	assert.Equal(t, []string{"brew_item", "brew_ale"}, set.Names())
}

func TestMineValueInRange(t *testing.T) {
	set := build(t, DefaultRegistry(WithSeed(7)), config.SkillDefinition{Name: "mine", Kind: KindMine})
	sk, _ := set.Get("mine")
	minerals := []string{"Iron Ore", "Silver", "Gold", "Mithril", "Platinum"}
	for i := 0; i < 100; i++ {
		out, err := sk.Run(context.Background(), "Alice")
		require.NoError(t, err)
		value := out["value"].(float64)
		assert.GreaterOrEqual(t, value, 0.3)
		assert.LessOrEqual(t, value, 5.0)
		assert.Contains(t, minerals, out["item"])
	}
}

func TestMineCustomMinerals(t *testing.T) {
	set := build(t, DefaultRegistry(WithSeed(1)), config.SkillDefinition{
		Name: "mine", Kind: KindMine,
		Params: map[string]any{"minerals": []any{"Coal"}, "min_value": 1, "max_value": "2"},
	})
	sk, _ := set.Get("mine")
	out, err := sk.Run(context.Background(), "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Coal", out["item"])
	assert.GreaterOrEqual(t, out["value"].(float64), 1.0)
	assert.LessOrEqual(t, out["value"].(float64), 2.0)
}

func TestSeededSkillsAreReproducible(t *testing.T) {
	defs := []config.SkillDefinition{
		{Name: "steal", Kind: KindSteal},
		{Name: "inspect", Kind: KindInspect, Params: map[string]any{"area": "docks"}},
	}
	run := func() []any {
		set, err := DefaultRegistry(WithSeed(42)).Build(defs)
		require.NoError(t, err)
		var out []any
		for i := 0; i < 10; i++ {
			for _, name := range set.Names() {
				sk, _ := set.Get(name)
				res, err := sk.Run(context.Background(), "Alice")
				require.NoError(t, err)
				out = append(out, res)
			}
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestBuildErrors(t *testing.T) {
	cases := map[string][]config.SkillDefinition{
		"unknown kind":  {{Name: "fly", Kind: "flight"}},
		"unknown param": {{Name: "brew", Kind: KindBrew, Params: map[string]any{"colour": "red"}}},
		"bad range":     {{Name: "mine", Kind: KindMine, Params: map[string]any{"min_value": 9, "max_value": 1}}},
		"bad rate":      {{Name: "steal", Kind: KindSteal, Params: map[string]any{"success_rate": 2}}},
		"bad hour":      {{Name: "greet", Kind: KindGreeting, Params: map[string]any{"evening_hour": 30}}},
		"empty item":    {{Name: "brew", Kind: KindBrew, Params: map[string]any{"item": " "}}},
		"duplicate":     {{Name: "brew", Kind: KindBrew}, {Name: "brew", Kind: KindBrew}},
	}
	for name, defs := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DefaultRegistry().Build(defs)
			require.Error(t, err)
			assert.Equal(t, xerrors.CodeInvalidConfiguration, xerrors.CodeOf(err))
		})
	}
}

type constant struct{ name string }

func (c constant) Name() string { return c.name }
func (c constant) Kind() string { return "constant" }
func (c constant) Run(context.Context, string) (map[string]any, error) {
	return map[string]any{"action": "constant"}, nil
}

func TestRegisterCustomKind(t *testing.T) {
	reg := NewRegistry()
	assert.Empty(t, reg.Kinds())

	factory := func(name string, _ map[string]any, _ Env) (Skill, error) { return constant{name: name}, nil }
	require.NoError(t, reg.Register("constant", factory))
	err := reg.Register("constant", factory)
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
	assert.Error(t, reg.Register("", factory))

	set := build(t, reg, config.SkillDefinition{Name: "c", Kind: "constant"})
	sk, ok := set.Get("c")
	require.True(t, ok)
	assert.Equal(t, "constant", sk.Kind())
	assert.Equal(t, []string{"brew", "greeting", "inspect", "mine", "steal"}, DefaultRegistry().Kinds())
}
