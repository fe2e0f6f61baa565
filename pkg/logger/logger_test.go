package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "actions.jsonl")
	writer, err := NewJournalWriter(JournalConfig{Enabled: true, Path: path})
	require.NoError(t, err)

	journal := NewJournalLogger(writer)
	journal.Info("agent_action", slog.String("agent", "thief"), slog.String("skill", "steal"))
	journal.Info("agent_action", slog.String("agent", "guard"), slog.String("skill", "inspect"))
	require.NoError(t, writer.Close())

	records, err := ReadJournal(path, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "thief", records[0]["agent"])
	assert.Equal(t, "inspect", records[1]["skill"])

	latest, err := ReadJournal(path, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "guard", latest[0]["agent"])
}

func TestReadJournalSkipsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.jsonl")
	content := "{\"agent\":\"miner\"}\nnot json\n\n{\"agent\":\"tavernkeeper\"}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	records, err := ReadJournal(path, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "tavernkeeper", records[1]["agent"])
}

func TestReadJournalMissingFile(t *testing.T) {
	records, err := ReadJournal(filepath.Join(t.TempDir(), "missing.jsonl"), 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestNewJournalWriterRequiresPath(t *testing.T) {
	_, err := NewJournalWriter(JournalConfig{Enabled: true})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for input, want := range cases {
		assert.Equal(t, want, parseLevel(input), input)
	}
}
