package basic

import (
	"context"
	"database/sql"

	core "accesssaga/data/db"
	"accesssaga/errors"
)

// Tx 同时满足 core.IDatabase，存储方法可在事务内外复用
type Tx struct {
	session
	parent *DB
	tx     *sql.Tx
}

var errNestedTx = errors.NewError(errors.ErrCodeDatabase, "nested transactions are not supported")

func (t *Tx) Begin(context.Context) (core.ITransaction, error) { return nil, errNestedTx }

func (t *Tx) BeginTx(context.Context, *sql.TxOptions) (core.ITransaction, error) {
	return nil, errNestedTx
}

func (t *Tx) Ping(ctx context.Context) error { return t.parent.Ping(ctx) }

// Close 事务的生命周期由 Commit/Rollback 结束，连接池归父 DB 所有
func (t *Tx) Close() error { return nil }
func (t *Tx) Raw() any     { return t.tx }

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

func (t *Tx) GetDialectName() string { return t.parent.driver }
