package skill

import (
	"context"
	"fmt"
	"math"
	"strings"
)

const (
	KindGreeting = "greeting"
	KindBrew     = "brew"
	KindMine     = "mine"
	KindSteal    = "steal"
	KindInspect  = "inspect"
)

func builtins() map[string]Factory {
	return map[string]Factory{
		KindGreeting: newGreeting,
		KindBrew:     newBrew,
		KindMine:     newMine,
		KindSteal:    newSteal,
		KindInspect:  newInspect,
	}
}

type base struct {
	name string
	kind string
	env  Env
}

func (b base) Name() string { return b.name }
func (b base) Kind() string { return b.kind }

type greetingParams struct {
	EveningHour int    `mapstructure:"evening_hour"`
	Salutation  string `mapstructure:"salutation"`
}

type greeting struct {
	base
	params greetingParams
}

func newGreeting(name string, raw map[string]any, env Env) (Skill, error) {
	g := &greeting{
		base:   base{name: name, kind: KindGreeting, env: env},
		params: greetingParams{EveningHour: 18, Salutation: "Welcome back."},
	}
	if err := decode(raw, &g.params); err != nil {
		return nil, err
	}
	if g.params.EveningHour < 0 || g.params.EveningHour > 23 {
		return nil, fmt.Errorf("evening_hour %d out of range", g.params.EveningHour)
	}
	return g, nil
}

func (g *greeting) Run(_ context.Context, player string) (map[string]any, error) {
	word := "Good day"
	if g.env.Clock().Hour() >= g.params.EveningHour {
		word = "Good evening"
	}
	return map[string]any{
		"action":  "greeting",
		"message": fmt.Sprintf("%s, %s! %s", word, player, g.params.Salutation),
	}, nil
}

type brewParams struct {
	Item string `mapstructure:"item"`
}

type brew struct {
	base
	params brewParams
}

func newBrew(name string, raw map[string]any, env Env) (Skill, error) {
	b := &brew{
		base:   base{name: name, kind: KindBrew, env: env},
		params: brewParams{Item: "elven_wine"},
	}
	if err := decode(raw, &b.params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(b.params.Item) == "" {
		return nil, fmt.Errorf("item is required")
	}
	return b, nil
}

func (b *brew) Run(_ context.Context, player string) (map[string]any, error) {
	return map[string]any{
		"action": "brew_result",
		"player": player,
		"item":   b.params.Item,
		"status": "minted",
		"nft_id": fmt.Sprintf("nft_%s_%s", player, b.params.Item),
	}, nil
}

type mineParams struct {
	Minerals []string `mapstructure:"minerals"`
	MinValue float64  `mapstructure:"min_value"`
	MaxValue float64  `mapstructure:"max_value"`
}

type mine struct {
	base
	params mineParams
}

func newMine(name string, raw map[string]any, env Env) (Skill, error) {
	m := &mine{
		base:   base{name: name, kind: KindMine, env: env},
		params: mineParams{MinValue: 0.3, MaxValue: 5.0},
	}
	if err := decode(raw, &m.params); err != nil {
		return nil, err
	}
	if len(m.params.Minerals) == 0 {
		m.params.Minerals = []string{"Iron Ore", "Silver", "Gold", "Mithril", "Platinum"}
	}
	if m.params.MinValue > m.params.MaxValue {
		return nil, fmt.Errorf("min_value %.2f exceeds max_value %.2f", m.params.MinValue, m.params.MaxValue)
	}
	return m, nil
}

func (m *mine) Run(_ context.Context, player string) (map[string]any, error) {
	p := m.params
	mineral := p.Minerals[m.env.Rand.Intn(len(p.Minerals))]
	value := p.MinValue + m.env.Rand.Float64()*(p.MaxValue-p.MinValue)
	return map[string]any{
		"action": "mine_result",
		"player": player,
		"item":   mineral,
		"value":  math.Round(value*100) / 100,
	}, nil
}

type stealParams struct {
	Target      string  `mapstructure:"target"`
	SuccessRate float64 `mapstructure:"success_rate"`
}

type steal struct {
	base
	params stealParams
}

func newSteal(name string, raw map[string]any, env Env) (Skill, error) {
	s := &steal{
		base:   base{name: name, kind: KindSteal, env: env},
		params: stealParams{Target: "bag", SuccessRate: 0.5},
	}
	if err := decode(raw, &s.params); err != nil {
		return nil, err
	}
	if s.params.SuccessRate < 0 || s.params.SuccessRate > 1 {
		return nil, fmt.Errorf("success_rate %.2f out of range", s.params.SuccessRate)
	}
	return s, nil
}

func (s *steal) Run(_ context.Context, player string) (map[string]any, error) {
	return map[string]any{
		"action":  "steal_result",
		"player":  player,
		"target":  s.params.Target,
		"success": s.env.Rand.Float64() < s.params.SuccessRate,
	}, nil
}

type inspectParams struct {
	Area      string  `mapstructure:"area"`
	Vigilance float64 `mapstructure:"vigilance"`
}

type inspect struct {
	base
	params inspectParams
}

func newInspect(name string, raw map[string]any, env Env) (Skill, error) {
	in := &inspect{
		base:   base{name: name, kind: KindInspect, env: env},
		params: inspectParams{Area: "market", Vigilance: 0.3},
	}
	if err := decode(raw, &in.params); err != nil {
		return nil, err
	}
	if in.params.Vigilance < 0 || in.params.Vigilance > 1 {
		return nil, fmt.Errorf("vigilance %.2f out of range", in.params.Vigilance)
	}
	return in, nil
}

func (in *inspect) Run(_ context.Context, player string) (map[string]any, error) {
	return map[string]any{
		"action":     "inspect_result",
		"player":     player,
		"area":       in.params.Area,
		"suspicious": in.env.Rand.Float64() < in.params.Vigilance,
	}, nil
}
