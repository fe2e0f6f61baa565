package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	xerrors "github.com/AgentZ2077/game/internal/errors"
	"github.com/AgentZ2077/game/internal/memory"
)

// SnapshotStore keeps memory snapshots as named rows in memory_snapshots.
type SnapshotStore struct {
	db   *sql.DB
	name string
	now  func() time.Time
}

// NewSnapshotStore connects to MySQL, applies pending migrations and returns
// a snapshotter for the row called name.
func NewSnapshotStore(ctx context.Context, cfg Config, name string) (*SnapshotStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := newSnapshotStore(ctx, db, name)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func newSnapshotStore(ctx context.Context, db *sql.DB, name string) (*SnapshotStore, error) {
	if strings.TrimSpace(name) == "" {
		name = "default"
	}
	if err := runMigrations(ctx, db); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "migrate memory snapshot schema")
	}
	return &SnapshotStore{db: db, name: name, now: time.Now}, nil
}

// Save implements memory.Snapshotter.
func (s *SnapshotStore) Save(ctx context.Context, data []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO memory_snapshots (name, payload, updated_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE payload = VALUES(payload), updated_at = VALUES(updated_at)`,
		s.name, data, s.now().Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "save memory snapshot")
	}
	return nil
}

// Load implements memory.Snapshotter.
func (s *SnapshotStore) Load(ctx context.Context) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM memory_snapshots WHERE name = ?`, s.name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memory.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load memory snapshot")
	}
	return payload, nil
}

// Close releases the connection pool.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

var _ memory.Snapshotter = (*SnapshotStore)(nil)
