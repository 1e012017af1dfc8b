package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotbook/slotbook/migrations"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"010_tables.sql":  {Data: []byte("SELECT 10;")},
		"002_second.sql":  {Data: []byte("CREATE TABLE b (id int);")},
		"001_first.sql":   {Data: []byte("CREATE TABLE a (id int);")},
		"README.md":       {Data: []byte("docs")},
		"seed.sql":        {Data: []byte("SELECT 0;")},
		"abc_nope.sql":    {Data: []byte("SELECT 0;")},
		"sub/003_sub.sql": {Data: []byte("SELECT 3;")},
	}
}

func newMigratorMock(t *testing.T, fsys fstest.MapFS) (*Migrator, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewMigrator(mock, fsys, zerolog.Nop()), mock
}

func TestLoadMigrations_SortsAndSkips(t *testing.T) {
	m := NewMigrator(nil, testFS(), zerolog.Nop())
	migs, err := m.LoadMigrations()
	require.NoError(t, err)

	require.Len(t, migs, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{migs[0].Version, migs[1].Version, migs[2].Version})
	assert.Equal(t, "001_first.sql", migs[0].Name)
	assert.Equal(t, "CREATE TABLE a (id int);", migs[0].SQL)
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 1;")},
	}
	_, err := NewMigrator(nil, fsys, zerolog.Nop()).LoadMigrations()
	assert.ErrorContains(t, err, "share version 1")
}

func TestLoadMigrations_EmbeddedSchema(t *testing.T) {
	migs, err := NewMigrator(nil, migrations.FS, zerolog.Nop()).LoadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migs)
	assert.Equal(t, 1, migs[0].Version)
	assert.Contains(t, migs[0].SQL, "consulting_slot")
}

func expectApply(mock pgxmock.PgxPoolIface, version int, name, sql string, alreadyThere bool) {
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(migrationLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT EXISTS").WithArgs(version).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(alreadyThere))
	if alreadyThere {
		mock.ExpectCommit()
		return
	}
	mock.ExpectExec(regexp.QuoteMeta(sql)).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("INSERT INTO _migrations").WithArgs(version, name).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
}

func TestMigrator_UpAppliesPending(t *testing.T) {
	m, mock := newMigratorMock(t, testFS())
	applied := time.Now().UTC()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS _migrations").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery("SELECT version, applied_at FROM _migrations").
		WillReturnRows(pgxmock.NewRows([]string{"version", "applied_at"}).AddRow(1, applied))
	expectApply(mock, 2, "002_second.sql", "CREATE TABLE b (id int);", false)
	// Another instance got to 10 first.
	expectApply(mock, 10, "010_tables.sql", "SELECT 10;", true)

	n, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_UpToStopsAtTarget(t *testing.T) {
	m, mock := newMigratorMock(t, testFS())

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS _migrations").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery("SELECT version, applied_at FROM _migrations").
		WillReturnRows(pgxmock.NewRows([]string{"version", "applied_at"}))
	expectApply(mock, 1, "001_first.sql", "CREATE TABLE a (id int);", false)
	expectApply(mock, 2, "002_second.sql", "CREATE TABLE b (id int);", false)

	n, err := m.UpTo(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_FailedMigrationRollsBack(t *testing.T) {
	m, mock := newMigratorMock(t, fstest.MapFS{"001_bad.sql": {Data: []byte("CREATE TABLE;")}})

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS _migrations").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery("SELECT version, applied_at FROM _migrations").
		WillReturnRows(pgxmock.NewRows([]string{"version", "applied_at"}))
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(migrationLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT EXISTS").WithArgs(1).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE;")).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	n, err := m.Up(context.Background())
	assert.Equal(t, 0, n)
	assert.ErrorContains(t, err, "apply migration 1 (001_bad.sql)")
	assert.ErrorContains(t, err, "syntax error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_Status(t *testing.T) {
	m, mock := newMigratorMock(t, testFS())
	applied := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS _migrations").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery("SELECT version, applied_at FROM _migrations").
		WillReturnRows(pgxmock.NewRows([]string{"version", "applied_at"}).AddRow(1, applied).AddRow(2, applied))

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, st, 3)
	assert.True(t, st[0].Applied)
	require.NotNil(t, st[1].AppliedAt)
	assert.Equal(t, applied, *st[1].AppliedAt)
	assert.False(t, st[2].Applied)
	assert.Nil(t, st[2].AppliedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
