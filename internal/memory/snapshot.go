package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xerrors "github.com/AgentZ2077/game/internal/errors"
)

// CodeSnapshotNotFound marks a medium that holds no snapshot yet.
const CodeSnapshotNotFound xerrors.Code = "MEMORY_SNAPSHOT_NOT_FOUND"

// ErrSnapshotNotFound is returned by Snapshotter.Load when nothing was saved.
var ErrSnapshotNotFound = xerrors.New(CodeSnapshotNotFound, "memory snapshot not found")

func init() {
	xerrors.Register(CodeSnapshotNotFound, xerrors.Attributes{
		Message:  "memory snapshot not found",
		Severity: xerrors.SeverityInfo,
	})
}

// Snapshotter is a durable medium holding one encoded snapshot.
type Snapshotter interface {
	Save(ctx context.Context, data []byte) error
	// Load returns ErrSnapshotNotFound when nothing has been saved.
	Load(ctx context.Context) ([]byte, error)
}

type snapshot struct {
	Topics  map[string][]string      `json:"topics"`
	Entries map[string]snapshotEntry `json:"entries"`
}

type snapshotEntry struct {
	ID         string   `json:"id"`
	Agent      string   `json:"agent"`
	Content    any      `json:"content"`
	Timestamp  float64  `json:"timestamp"`
	Datetime   string   `json:"datetime"`
	Tags       []string `json:"tags"`
	References []string `json:"references"`
}

// encodeSnapshot must be called with s.mu held for reading.
func encodeSnapshot(s *Store) ([]byte, error) {
	snap := snapshot{
		Topics:  s.topics,
		Entries: make(map[string]snapshotEntry, len(s.entries)),
	}
	for id, rec := range s.entries {
		e := rec.entry
		snap.Entries[id] = snapshotEntry{
			ID:         e.ID,
			Agent:      e.Agent,
			Content:    e.Content,
			Timestamp:  e.Timestamp,
			Datetime:   e.Datetime(),
			Tags:       e.Tags,
			References: e.References,
		}
	}
	return json.Marshal(snap)
}

func decodeSnapshot(data []byte) (*snapshot, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode memory snapshot: %w", err)
	}
	return &snap, nil
}

// records rebuilds entries from the snapshot. The topic lists are
// authoritative: entries missing from every topic, ids listed without an
// entry, repeated ids and references to unknown entries are dropped and
// counted. Sequence numbers follow timestamp order, ties broken by the
// position in the topic walk.
func (snap *snapshot) records() ([]*record, map[string][]string, int) {
	dropped := 0
	topics := make(map[string][]string, len(snap.Topics))
	recs := make([]*record, 0, len(snap.Entries))
	placed := make(map[string]struct{}, len(snap.Entries))

	names := make([]string, 0, len(snap.Topics))
	for name := range snap.Topics {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, topic := range names {
		for _, id := range snap.Topics[topic] {
			raw, ok := snap.Entries[id]
			if !ok {
				dropped++
				continue
			}
			if _, dup := placed[id]; dup {
				dropped++
				continue
			}
			placed[id] = struct{}{}
			topics[topic] = append(topics[topic], id)
			recs = append(recs, &record{entry: Entry{
				ID:         id,
				Topic:      topic,
				Agent:      raw.Agent,
				Content:    raw.Content,
				Timestamp:  raw.Timestamp,
				Tags:       normalizeTags(raw.Tags),
				References: raw.References,
			}})
		}
	}
	dropped += len(snap.Entries) - len(placed)

	for _, rec := range recs {
		refs := make([]string, 0, len(rec.entry.References))
		for _, ref := range rec.entry.References {
			if _, ok := placed[ref]; ok {
				refs = append(refs, ref)
				continue
			}
			dropped++
		}
		rec.entry.References = refs
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].entry.Timestamp < recs[j].entry.Timestamp
	})
	for i, rec := range recs {
		rec.seq = uint64(i + 1)
	}
	return recs, topics, dropped
}

// FileSnapshotter keeps the snapshot in a single JSON file. Writes go to a
// temporary file that is renamed over the target.
type FileSnapshotter struct {
	path string
}

// NewFileSnapshotter returns a snapshotter writing to path.
func NewFileSnapshotter(path string) (*FileSnapshotter, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "snapshot path is empty")
	}
	return &FileSnapshotter{path: path}, nil
}

// Path returns the snapshot file location.
func (f *FileSnapshotter) Path() string { return f.path }

// Save implements Snapshotter.
func (f *FileSnapshotter) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".memory-*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load implements Snapshotter.
func (f *FileSnapshotter) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}
