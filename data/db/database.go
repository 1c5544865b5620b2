// Package db 提供 saga 持久化使用的最小数据库抽象
//
// 仓储只依赖 IDatabase/ITransaction，具体驱动（sqlite、pgx）由上层通过空导入注册。
package db

import (
	"context"
	"database/sql"
	"time"
)

// IDatabase 通用数据库接口
type IDatabase interface {
	Query(ctx context.Context, query string, args ...any) (IRows, error)
	QueryRow(ctx context.Context, query string, args ...any) IRow
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)

	Begin(ctx context.Context) (ITransaction, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (ITransaction, error)

	Ping(ctx context.Context) error
	Close() error

	// Raw 返回底层 *sql.DB 或 *sql.Tx
	Raw() any
}

// IDialectNameProvider 可选接口：提供底层数据库方言名称
type IDialectNameProvider interface {
	GetDialectName() string
}

// ITransaction 事务接口
type ITransaction interface {
	IDatabase

	Commit() error
	Rollback() error
}

// IRows 查询结果集接口
type IRows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
	Columns() ([]string, error)
}

// IRow 单行结果接口
type IRow interface {
	Scan(dest ...any) error
	Err() error
}

// DBConfig 数据库配置
type DBConfig struct {
	// Driver sqlite 或 postgres（postgres 经由 pgx 的 database/sql 驱动）
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite sqlite3 postgres postgresql pgx"`
	// DSN 连接串；sqlite 可为文件路径或 ":memory:"
	DSN string `yaml:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
}

// WithTx 在事务中执行 fn，fn 返回错误或 panic 时回滚
func WithTx(ctx context.Context, database IDatabase, fn func(tx ITransaction) error) (err error) {
	tx, err := database.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
