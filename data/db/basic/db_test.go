package basic

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	core "accesssaga/data/db"
	apperrors "accesssaga/errors"
)

func openSQLite(t *testing.T) *DB {
	t.Helper()
	d, err := New(core.DBConfig{Driver: "sqlite", DSN: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDriverName(t *testing.T) {
	assert.Equal(t, "sqlite", DriverName(""))
	assert.Equal(t, "sqlite", DriverName("sqlite3"))
	assert.Equal(t, "pgx", DriverName("postgres"))
	assert.Equal(t, "pgx", DriverName("pgx"))
}

func TestDB_ExecScriptAndQuery(t *testing.T) {
	d := openSQLite(t)
	ctx := context.Background()

	require.NoError(t, d.ExecScript(ctx, `
		CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER NOT NULL);
		INSERT INTO kv (k, v) VALUES ('a', 1);
	`))
	_, err := d.Exec(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "b", 2)
	require.NoError(t, err)

	rows, err := d.Query(ctx, "SELECT k, v FROM kv ORDER BY k")
	require.NoError(t, err)
	defer rows.Close()
	var got []string
	for rows.Next() {
		var k string
		var v int
		require.NoError(t, rows.Scan(&k, &v))
		got = append(got, k)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, "sqlite", d.GetDialectName())
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	d := openSQLite(t)
	ctx := context.Background()
	require.NoError(t, d.ExecScript(ctx, "CREATE TABLE kv (k TEXT PRIMARY KEY)"))

	boom := errors.New("boom")
	err := core.WithTx(ctx, d, func(tx core.ITransaction) error {
		if _, err := tx.Exec(ctx, "INSERT INTO kv (k) VALUES (?)", "x"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, d.QueryRow(ctx, "SELECT COUNT(*) FROM kv").Scan(&n))
	assert.Equal(t, 0, n)

	require.NoError(t, core.WithTx(ctx, d, func(tx core.ITransaction) error {
		_, err := tx.Exec(ctx, "INSERT INTO kv (k) VALUES (?)", "y")
		return err
	}))
	require.NoError(t, d.QueryRow(ctx, "SELECT COUNT(*) FROM kv").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestTx_NestedBeginUnsupported(t *testing.T) {
	d := openSQLite(t)
	tx, err := d.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.Begin(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeDatabase))
	assert.Equal(t, "sqlite", tx.(*Tx).GetDialectName())
	require.NoError(t, tx.Ping(context.Background()))
}

func TestDB_PostgresRebindViaSQLMock(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer raw.Close()

	d := Wrap(raw, "pgx")
	mock.ExpectExec("DELETE FROM saga_executions WHERE saga_id = $1").
		WithArgs("s-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := d.Exec(context.Background(), "DELETE FROM saga_executions WHERE saga_id = ?", "s-1")
	require.NoError(t, err)
	n, _ := res.RowsAffected()
	assert.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
