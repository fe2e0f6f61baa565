package game

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AgentZ2077/game/internal/agent"
	"github.com/AgentZ2077/game/internal/config"
	xerrors "github.com/AgentZ2077/game/internal/errors"
	"github.com/AgentZ2077/game/internal/memory"
	"github.com/AgentZ2077/game/internal/orchestrator"
	"github.com/AgentZ2077/game/internal/proofs"
	"github.com/AgentZ2077/game/internal/skill"
	"github.com/AgentZ2077/game/internal/task"
	"github.com/AgentZ2077/game/pkg/logger"
)

type fixture struct {
	driver  *Driver
	store   *memory.Store
	journal *bytes.Buffer
}

func newFixture(t *testing.T, memOpts ...memory.Option) fixture {
	t.Helper()
	roster, err := config.LoadRoster("../../configs/agents.yaml")
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	tick := func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
	set, err := skill.DefaultRegistry(skill.WithSeed(11), skill.WithClock(tick)).Build(roster.Skills)
	require.NoError(t, err)
	rt, err := agent.New(roster, set)
	require.NoError(t, err)
	agents, deps := rt.Agents()
	orch, err := orchestrator.New(agents, deps, rt)
	require.NoError(t, err)

	store := memory.NewStore(append([]memory.Option{memory.WithClock(tick)}, memOpts...)...)
	journal := &bytes.Buffer{}
	ids := 0
	driver, err := NewDriver(orch, rt, store,
		WithClock(tick),
		WithJournal(logger.NewJournalLogger(journal)),
		WithRunIDGenerator(func() string {
			ids++
			return "run-" + string(rune('0'+ids))
		}),
	)
	require.NoError(t, err)
	return fixture{driver: driver, store: store, journal: journal}
}

func journalLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestExecuteAllRecordsOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.driver.Execute(ctx, task.Request{Player: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ModeAll, report.Mode)
	assert.Len(t, report.Agents, 4)
	assert.Empty(t, report.Failed())

	entries := f.store.Topic(PlayerTopic("Alice"))
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.True(t, e.HasTag(TagRun))
		assert.True(t, e.HasTag(TagOK))
		assert.True(t, e.HasTag("mode:all"))
		assert.True(t, e.HasTag("run:run-1"))
	}

	byAgent := map[string]memory.Entry{}
	for _, e := range entries {
		byAgent[e.Agent] = e
	}
	assert.Equal(t, []string{byAgent["miner"].ID}, byAgent["tavernkeeper"].References)
	assert.Equal(t, []string{byAgent["thief"].ID}, byAgent["guard"].References)
	assert.Empty(t, byAgent["miner"].References)

	for _, name := range report.Agents {
		raw, err := json.Marshal(report.Results[name])
		require.NoError(t, err)
		assert.True(t, f.driver.Ledger().Verify(name, raw), name)
	}

	lines := journalLines(t, f.journal)
	require.Len(t, lines, 1)
	assert.Equal(t, "run", lines[0]["msg"])
	assert.Equal(t, "Alice", lines[0]["player"])
}

func TestExecuteSelectiveOnlyLinksWithinRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.driver.Execute(ctx, task.Request{ID: "sel", Player: "Bob", Agents: []string{"tavernkeeper", "dragon"}})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ModeSelective, report.Mode)
	assert.Equal(t, []string{"tavernkeeper"}, report.Agents)

	entries := f.store.Query(memory.WithTopics(PlayerTopic("Bob")), memory.WithTags("run:sel", "mode:selective"))
	require.Len(t, entries, 1)
	assert.Equal(t, "tavernkeeper", entries[0].Agent)
	assert.Empty(t, entries[0].References)
}

func TestExecuteRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.driver.Execute(context.Background(), task.Request{})
	assert.Equal(t, task.CodeTaskValidation, xerrors.CodeOf(err))
	assert.Zero(t, f.store.Len())
}

func TestExecuteOnFailedOrchestrator(t *testing.T) {
	f := newFixture(t)
	orch, err := orchestrator.New([]orchestrator.Agent{{Name: "a"}, {Name: "b"}},
		map[string][]string{"a": {"b"}, "b": {"a"}}, f.driver.Runtime())
	require.Error(t, err)

	driver, err := NewDriver(orch, f.driver.Runtime(), f.store)
	require.NoError(t, err)
	_, err = driver.Execute(context.Background(), task.Request{Player: "Alice"})
	assert.Error(t, err)
	assert.Zero(t, f.store.Len())
}

func TestSimulateDefaultLoop(t *testing.T) {
	f := newFixture(t)
	steps, err := f.driver.Simulate(context.Background(), Simulation{})
	require.NoError(t, err)
	require.Len(t, steps, 6)

	for i, step := range steps {
		expected := []string{"thief", "guard"}[i%2]
		assert.Equal(t, expected, step.Agent)
		assert.Equal(t, i/2+1, step.Round)
		assert.NotEmpty(t, step.Digest)
		raw, _ := json.Marshal(step.Result)
		assert.Equal(t, proofs.Digest(raw), step.Digest)
	}
	assert.Equal(t, "steal", steps[0].Skill)
	assert.Equal(t, map[string]any{"target": "bag"}, steps[0].Params)
	assert.Equal(t, "inspect_result", steps[1].Result["action"])

	recent := f.store.Recent("town-activity", 2)
	require.Len(t, recent, 2)
	assert.Equal(t, "guard", recent[0].Agent)
	assert.Equal(t, steps[5].EntryID, recent[0].ID)
	assert.Len(t, f.store.Query(memory.WithTags(TagSimulation, "skill:steal")), 3)

	lines := journalLines(t, f.journal)
	require.Len(t, lines, 6)
	assert.Equal(t, "thief", lines[0]["agent"])
	assert.Equal(t, "steal", lines[0]["skill"])
	assert.Equal(t, steps[0].Digest, lines[0]["digest"])
}

func TestSimulateCustomAndErrors(t *testing.T) {
	f := newFixture(t)
	steps, err := f.driver.Simulate(context.Background(), Simulation{Rounds: 1, Agents: []string{"miner"}, Topic: "mine-shaft"})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "mine_result", steps[0].Result["action"])
	assert.Equal(t, "miner", steps[0].Result["player"])
	assert.Len(t, f.store.Topic("mine-shaft"), 1)

	_, err = f.driver.Simulate(context.Background(), Simulation{Agents: []string{"dragon"}})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	steps, err = f.driver.Simulate(ctx, Simulation{})
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
	assert.Empty(t, steps)
}

func TestDispatchSingleAgent(t *testing.T) {
	f := newFixture(t)
	out := f.driver.Dispatch(context.Background(), "tavernkeeper", "Alice", nil)
	require.True(t, out.OK())
	assert.Equal(t, "tavernkeeper", out.Payload["agent"])

	out = f.driver.Dispatch(context.Background(), "dragon", "Alice", nil)
	assert.False(t, out.OK())
	assert.Equal(t, "unknown agent", out.Failure.Error)
}

func TestNewDriverRequiresCollaborators(t *testing.T) {
	_, err := NewDriver(nil, nil, nil)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

type countingSnapshotter struct {
	saves int
	last  []byte
}

func (c *countingSnapshotter) Save(_ context.Context, data []byte) error {
	c.saves++
	c.last = data
	return nil
}

func (c *countingSnapshotter) Load(context.Context) ([]byte, error) {
	return nil, memory.ErrSnapshotNotFound
}

func TestExecuteFlushesOncePerEntryAndOnceForLinks(t *testing.T) {
	snap := &countingSnapshotter{}
	f := newFixture(t, memory.WithSnapshotter(snap))

	report, err := f.driver.Execute(context.Background(), task.Request{Player: "Alice"})
	require.NoError(t, err)
	require.Len(t, report.Agents, 4)
	assert.Equal(t, len(report.Agents)+1, snap.saves)

	guard := f.store.Query(memory.WithAgents("guard"))
	require.Len(t, guard, 1)
	assert.Len(t, guard[0].References, 1)
	assert.Contains(t, string(snap.last), guard[0].References[0])
}

func TestExecuteEntriesDoNotShareReportPayload(t *testing.T) {
	f := newFixture(t)
	report, err := f.driver.Execute(context.Background(), task.Request{Player: "Alice", Agents: []string{"miner"}})
	require.NoError(t, err)

	entries := f.store.Query(memory.WithAgents("miner"))
	require.Len(t, entries, 1)
	before := entries[0].Content

	report.Results["miner"].Payload["player"] = "Mallory"
	after, ok := f.store.Get(entries[0].ID)
	require.True(t, ok)
	assert.Equal(t, before, after.Content)
	assert.Equal(t, "Alice", after.Content.(map[string]any)["player"])
}
