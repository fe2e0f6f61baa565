package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "github.com/AgentZ2077/game/internal/errors"
	"github.com/AgentZ2077/game/internal/memory"
)

// Config describes the Redis connection and the key holding the snapshot.
type Config struct {
	Address  string
	Password string
	DB       int
	Key      string
	// TTL expires the snapshot when positive. Zero keeps it forever.
	TTL time.Duration
}

// SnapshotStore implements memory.Snapshotter on top of one Redis string.
type SnapshotStore struct {
	client goredis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewSnapshotStore dials Redis and verifies the connection.
func NewSnapshotStore(ctx context.Context, cfg Config) (*SnapshotStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfiguration, "redis address is empty")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping redis")
	}
	return NewSnapshotStoreWithClient(client, cfg.Key, cfg.TTL), nil
}

// NewSnapshotStoreWithClient wraps an existing client.
func NewSnapshotStoreWithClient(client goredis.UniversalClient, key string, ttl time.Duration) *SnapshotStore {
	if strings.TrimSpace(key) == "" {
		key = "game:memory:snapshot"
	}
	return &SnapshotStore{client: client, key: key, ttl: ttl}
}

// Save implements memory.Snapshotter.
func (s *SnapshotStore) Save(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "save memory snapshot")
	}
	return nil
}

// Load implements memory.Snapshotter.
func (s *SnapshotStore) Load(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, memory.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load memory snapshot")
	}
	return data, nil
}

// Close closes the underlying client.
func (s *SnapshotStore) Close() error {
	return s.client.Close()
}

var _ memory.Snapshotter = (*SnapshotStore)(nil)
