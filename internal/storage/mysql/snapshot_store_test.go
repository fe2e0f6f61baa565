package mysql

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/AgentZ2077/game/internal/errors"
	"github.com/AgentZ2077/game/internal/memory"
)

func expectMigrations(mock sqlmock.Sqlmock, applied ...string) {
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"version"})
	for _, v := range applied {
		rows.AddRow(v)
	}
	mock.ExpectQuery(`SELECT version FROM schema_migrations`).WillReturnRows(rows)
	if len(applied) > 0 {
		return
	}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS memory_snapshots`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO schema_migrations`).
		WithArgs("0001", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
}

func TestSnapshotStoreSaveAndLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	expectMigrations(mock)
	store, err := newSnapshotStore(ctx, db, "town")
	require.NoError(t, err)
	store.now = func() time.Time { return time.Unix(1700000000, 0) }

	payload := []byte(`{"topics":{},"entries":{}}`)
	mock.ExpectExec(`INSERT INTO memory_snapshots`).
		WithArgs("town", payload, int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, store.Save(ctx, payload))

	mock.ExpectQuery(`SELECT payload FROM memory_snapshots WHERE name = \?`).
		WithArgs("town").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))
	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStoreLoadMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	expectMigrations(mock, "0001")
	store, err := newSnapshotStore(ctx, db, "")
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT payload FROM memory_snapshots`).
		WithArgs("default").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))
	_, err = store.Load(ctx)
	assert.Equal(t, memory.CodeSnapshotNotFound, xerrors.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStoreSaveFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	expectMigrations(mock, "0001")
	store, err := newSnapshotStore(ctx, db, "town")
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO memory_snapshots`).WillReturnError(errors.New("deadlock"))
	err = store.Save(ctx, []byte("{}"))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
}

func TestMigrationFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM schema_migrations`).WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS memory_snapshots`).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	_, err = newSnapshotStore(context.Background(), db, "town")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryStoreFlushesThroughMySQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	expectMigrations(mock, "0001")
	snap, err := newSnapshotStore(ctx, db, "town")
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO memory_snapshots`).
		WithArgs("town", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := memory.NewStore(memory.WithSnapshotter(snap))
	store.Add(ctx, "square", "guard", "inspected the market")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadMigrationFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.sql": {Data: []byte("CREATE TABLE b (id INT);\nCREATE INDEX ib ON b (id);")},
		"0001_a.sql": {Data: []byte("CREATE TABLE a (id INT);")},
		"empty.sql":  {Data: []byte("  ;  ")},
		"README.md":  {Data: []byte("not sql")},
	}
	files, err := loadMigrationFiles(fsys)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "0001", files[0].version)
	assert.Equal(t, "0002", files[1].version)
	assert.Len(t, files[1].statements, 2)
}

func TestOpenDatabaseRejectsEmptyDSN(t *testing.T) {
	_, err := openDatabase(context.Background(), Config{})
	assert.Equal(t, xerrors.CodeInvalidConfiguration, xerrors.CodeOf(err))

	_, err = openDatabase(context.Background(), Config{DSN: "not a dsn"})
	assert.Equal(t, xerrors.CodeInvalidConfiguration, xerrors.CodeOf(err))
}
