package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/AgentZ2077/game/internal/errors"
)

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func agents(names ...string) []Agent {
	out := make([]Agent, 0, len(names))
	for _, n := range names {
		out = append(out, Agent{Name: n})
	}
	return out
}

func echo() Dispatcher {
	return DispatchFunc(func(_ context.Context, agent Agent, player string, _ map[string]any) Outcome {
		return Succeeded(map[string]any{"agent": agent.Name, "player": player})
	})
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestOrderPlacesPrerequisitesFirst(t *testing.T) {
	deps := map[string][]string{"b": {"a"}, "c": {"a", "b"}}
	for _, declared := range [][]string{{"a", "b", "c"}, {"c", "b", "a"}, {"b", "c", "a"}} {
		o, err := New(agents(declared...), deps, echo(), quiet())
		require.NoError(t, err)
		order := o.Order()
		require.Len(t, order, 3)
		assert.Less(t, indexOf(order, "a"), indexOf(order, "b"), "declared %v", declared)
		assert.Less(t, indexOf(order, "b"), indexOf(order, "c"), "declared %v", declared)
		assert.Equal(t, StateOrdered, o.State())
	}
}

func TestOrderIncludesIndependentAgents(t *testing.T) {
	o, err := New(agents("solo", "b", "a"), map[string][]string{"b": {"a"}}, echo(), quiet())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"solo", "a", "b"}, o.Order())
	assert.Less(t, indexOf(o.Order(), "a"), indexOf(o.Order(), "b"))
	assert.Equal(t, []string{"a"}, o.Prerequisites("b"))
	assert.Empty(t, o.Prerequisites("solo"))
}

func TestCycleFailsConstruction(t *testing.T) {
	o, err := New(agents("x", "y"), map[string][]string{"x": {"y"}, "y": {"x"}}, echo(), quiet())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircularDependency)
	assert.Contains(t, err.Error(), "x -> y -> x")
	assert.Equal(t, StateFailed, o.State())
	assert.Equal(t, err, o.Err())

	_, runErr := o.RunAll(context.Background(), "alice", nil)
	assert.ErrorIs(t, runErr, ErrCircularDependency)
	_, runErr = o.RunSelective(context.Background(), []string{"x"}, "alice", nil)
	assert.ErrorIs(t, runErr, ErrCircularDependency)
}

func TestSelfDependencyIsACycle(t *testing.T) {
	_, err := New(agents("a"), map[string][]string{"a": {"a"}}, echo(), quiet())
	assert.ErrorIs(t, err, ErrCircularDependency)
}

func TestIndirectCycleReportsPath(t *testing.T) {
	deps := map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"a"}}
	_, err := New(agents("a", "b", "c"), deps, echo(), quiet())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a -> b -> c -> a")
}

func TestUnknownDependencyRejected(t *testing.T) {
	cases := map[string]map[string][]string{
		"unknown target": {"a": {"ghost"}},
		"unknown source": {"ghost": {"a"}},
	}
	for name, deps := range cases {
		t.Run(name, func(t *testing.T) {
			o, err := New(agents("a"), deps, echo(), quiet())
			assert.ErrorIs(t, err, ErrUnknownDependency)
			assert.Equal(t, StateFailed, o.State())
		})
	}
}

func TestInvalidDeclarations(t *testing.T) {
	_, err := New(agents("a", "a"), nil, echo(), quiet())
	assert.Equal(t, CodeInvalidAgent, xerrors.CodeOf(err))

	_, err = New(agents(""), nil, echo(), quiet())
	assert.Equal(t, CodeInvalidAgent, xerrors.CodeOf(err))

	_, err = New(agents("a"), nil, nil, quiet())
	assert.Equal(t, CodeInvalidAgent, xerrors.CodeOf(err))
}

func TestZeroValueIsNotReady(t *testing.T) {
	var o Orchestrator
	assert.Equal(t, StateUninitialized, o.State())
	_, err := o.RunAll(context.Background(), "alice", nil)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestRunAllContinuesPastFailure(t *testing.T) {
	dispatcher := DispatchFunc(func(_ context.Context, agent Agent, player string, _ map[string]any) Outcome {
		if agent.Name == "second" {
			return Failed(agent.Name, errors.New("ran out of ale"))
		}
		return Succeeded(map[string]any{"agent": agent.Name})
	})
	deps := map[string][]string{"second": {"first"}, "third": {"second"}}
	o, err := New(agents("first", "second", "third"), deps, dispatcher, quiet())
	require.NoError(t, err)

	report, err := o.RunAll(context.Background(), "alice", nil)
	require.NoError(t, err)
	require.Len(t, report.Results, 3)

	assert.True(t, report.Results["first"].OK())
	assert.Equal(t, "first", report.Results["first"].Payload["agent"])

	failed := report.Results["second"]
	require.False(t, failed.OK())
	assert.Equal(t, "second", failed.Failure.Agent)
	assert.Equal(t, "ran out of ale", failed.Failure.Error)
	assert.Equal(t, CodeAgentFailed, failed.Failure.Code)

	assert.True(t, report.Results["third"].OK())
	assert.Equal(t, []string{"second"}, report.Failed())
	assert.Equal(t, "alice", report.Player)
	assert.Equal(t, ModeAll, report.Mode)
	assert.False(t, report.Timestamp.IsZero())
}

func TestRunAllThreadsLatestActions(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]map[string]any{}
	dispatcher := DispatchFunc(func(_ context.Context, agent Agent, _ string, env map[string]any) Outcome {
		mu.Lock()
		seen[agent.Name] = CloneEnvironment(env)
		mu.Unlock()
		env["scribble"] = agent.Name
		if agent.Name == "b" {
			return Failed(agent.Name, errors.New("boom"))
		}
		return Succeeded(map[string]any{"did": agent.Name})
	})
	deps := map[string][]string{"b": {"a"}, "c": {"b"}}
	o, err := New(agents("a", "b", "c"), deps, dispatcher, quiet())
	require.NoError(t, err)

	input := map[string]any{"weather": "rain"}
	_, err = o.RunAll(context.Background(), "alice", input)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"weather": "rain"}, input)
	assert.NotContains(t, seen["a"], LatestActionsKey)
	assert.Equal(t, "rain", seen["a"]["weather"])

	latestB := seen["b"][LatestActionsKey].(map[string]any)
	assert.Equal(t, map[string]any{"a": map[string]any{"did": "a"}}, latestB)
	assert.NotContains(t, seen["b"], "scribble")

	latestC := seen["c"][LatestActionsKey].(map[string]any)
	require.Len(t, latestC, 2)
	assert.Equal(t, "b", latestC["b"].(map[string]any)["agent"])
	assert.Equal(t, "boom", latestC["b"].(map[string]any)["error"])
}

func TestRunAllConvertsPanics(t *testing.T) {
	dispatcher := DispatchFunc(func(_ context.Context, agent Agent, _ string, _ map[string]any) Outcome {
		if agent.Name == "bad" {
			panic("cellar flooded")
		}
		return Succeeded(nil)
	})
	o, err := New(agents("bad", "good"), nil, dispatcher, quiet())
	require.NoError(t, err)

	report, err := o.RunAll(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.Contains(t, report.Results["bad"].Failure.Error, "cellar flooded")
	assert.True(t, report.Results["good"].OK())
}

func TestRunAllCancelledContext(t *testing.T) {
	var calls atomic.Int32
	dispatcher := DispatchFunc(func(_ context.Context, agent Agent, _ string, _ map[string]any) Outcome {
		calls.Add(1)
		return Succeeded(nil)
	})
	o, err := New(agents("a", "b"), nil, dispatcher, quiet())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := o.RunAll(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Zero(t, calls.Load())
	assert.Equal(t, xerrors.CodeTimeout, report.Results["a"].Failure.Code)
}

func TestRunSelectiveIsolation(t *testing.T) {
	start := make(chan struct{})
	var running atomic.Int32
	var peak atomic.Int32
	dispatcher := DispatchFunc(func(_ context.Context, agent Agent, _ string, env map[string]any) Outcome {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-start
		defer running.Add(-1)
		_, sawLatest := env[LatestActionsKey]
		_, sawSibling := env["written_by"]
		env["written_by"] = agent.Name
		if agent.Name == "guard" {
			return Failed(agent.Name, errors.New("asleep"))
		}
		return Succeeded(map[string]any{"saw_latest": sawLatest, "saw_sibling": sawSibling, "area": env["area"]})
	})
	o, err := New(agents("thief", "guard", "miner"), map[string][]string{"guard": {"thief"}}, dispatcher, quiet())
	require.NoError(t, err)

	go func() {
		for running.Load() < 3 {
			time.Sleep(time.Millisecond)
		}
		close(start)
	}()

	report, err := o.RunSelective(context.Background(), []string{"thief", "ghost", "guard", "miner", "thief"}, "alice", map[string]any{"area": "market"})
	require.NoError(t, err)

	assert.Equal(t, []string{"thief", "guard", "miner"}, report.Agents)
	assert.Equal(t, ModeSelective, report.Mode)
	require.Len(t, report.Results, 3)
	assert.NotContains(t, report.Results, "ghost")
	assert.Equal(t, int32(3), peak.Load())

	for _, name := range []string{"thief", "miner"} {
		res := report.Results[name]
		require.True(t, res.OK())
		assert.Equal(t, false, res.Payload["saw_latest"])
		assert.Equal(t, false, res.Payload["saw_sibling"])
		assert.Equal(t, "market", res.Payload["area"])
	}
	assert.Equal(t, "guard", report.Results["guard"].Failure.Agent)
}

func TestRunSelectiveRespectsConcurrencyLimit(t *testing.T) {
	var running, peak atomic.Int32
	dispatcher := DispatchFunc(func(context.Context, Agent, string, map[string]any) Outcome {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return Succeeded(nil)
	})
	o, err := New(agents("a", "b", "c", "d"), nil, dispatcher, quiet(), WithMaxConcurrency(1))
	require.NoError(t, err)

	report, err := o.RunSelective(context.Background(), []string{"a", "b", "c", "d"}, "alice", nil)
	require.NoError(t, err)
	assert.Len(t, report.Results, 4)
	assert.Equal(t, int32(1), peak.Load())
}

func TestObserverAndLast(t *testing.T) {
	var mu sync.Mutex
	observed := map[string]bool{}
	o, err := New(agents("a", "b"), nil, DispatchFunc(func(_ context.Context, agent Agent, _ string, _ map[string]any) Outcome {
		if agent.Name == "b" {
			return Outcome{Failure: &Failure{Error: "no"}}
		}
		return Succeeded(map[string]any{"n": 1})
	}), quiet(), WithObserver(func(agent string, ok bool, _ time.Duration) {
		mu.Lock()
		observed[agent] = ok
		mu.Unlock()
	}))
	require.NoError(t, err)

	_, ok := o.Last("a")
	assert.False(t, ok)

	_, err = o.RunAll(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true, "b": false}, observed)

	last, ok := o.Last("b")
	require.True(t, ok)
	assert.Equal(t, "b", last.Failure.Agent)
}

func TestOutcomeJSON(t *testing.T) {
	ok, err := json.Marshal(Succeeded(map[string]any{"agent": "miner"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"agent":"miner"}`, string(ok))

	failed, err := json.Marshal(Failed("miner", xerrors.New(xerrors.CodeDispatchFailure, "unknown agent")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"agent":"miner","error":"unknown agent","code":"DISPATCH_FAILURE"}`, string(failed))

	report := Report{Player: "alice", Mode: ModeAll, Agents: []string{"miner"}, Results: map[string]Outcome{"miner": Succeeded(nil)}}
	raw, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"results":{"miner":{}}`)
}

func TestCloneEnvironmentIsDeep(t *testing.T) {
	in := map[string]any{
		"nested": map[string]any{"list": []any{map[string]any{"k": "v"}}},
		"tags":   []string{"a"},
	}
	out := CloneEnvironment(in)
	out["nested"].(map[string]any)["list"].([]any)[0].(map[string]any)["k"] = "changed"
	out["tags"].([]string)[0] = "changed"

	assert.Equal(t, "v", in["nested"].(map[string]any)["list"].([]any)[0].(map[string]any)["k"])
	assert.Equal(t, "a", in["tags"].([]string)[0])
	assert.NotNil(t, CloneEnvironment(nil))
}
