package basic

import (
	"context"
	"database/sql"

	core "accesssaga/data/db"
	"accesssaga/data/db/dialect"
)

// executor *sql.DB 与 *sql.Tx 的公共子集
type executor interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// session 按方言重写占位符后执行语句，DB 与 Tx 共用
type session struct {
	exec    executor
	dialect dialect.Dialect
}

func (s session) Query(ctx context.Context, query string, args ...any) (core.IRows, error) {
	rows, err := s.exec.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return &Rows{rows: rows}, nil
}

func (s session) QueryRow(ctx context.Context, query string, args ...any) core.IRow {
	return &Row{row: s.exec.QueryRowContext(ctx, s.dialect.Rebind(query), args...)}
}

func (s session) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.exec.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

// Rows core.IRows 实现
type Rows struct{ rows *sql.Rows }

func (r *Rows) Next() bool                 { return r.rows.Next() }
func (r *Rows) Scan(dest ...any) error     { return r.rows.Scan(dest...) }
func (r *Rows) Close() error               { return r.rows.Close() }
func (r *Rows) Err() error                 { return r.rows.Err() }
func (r *Rows) Columns() ([]string, error) { return r.rows.Columns() }

// Row core.IRow 实现
type Row struct{ row *sql.Row }

func (r *Row) Scan(dest ...any) error { return r.row.Scan(dest...) }
func (r *Row) Err() error             { return r.row.Err() }
