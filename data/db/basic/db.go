// Package basic 基于 database/sql 的 IDatabase 实现
package basic

import (
	"context"
	"database/sql"
	"strings"
	"time"

	core "accesssaga/data/db"
	"accesssaga/data/db/dialect"
	"accesssaga/errors"
)

// DB database/sql 的薄封装，按方言重写占位符
type DB struct {
	session
	db     *sql.DB
	driver string
}

// DriverName 将配置中的驱动名映射为 database/sql 注册名
//
// postgres 使用 pgx 的 stdlib 驱动（注册名为 "pgx"），sqlite 使用 modernc.org/sqlite。
func DriverName(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return "sqlite"
	case "postgres", "postgresql", "pgx":
		return "pgx"
	default:
		return driver
	}
}

// New 根据配置打开连接池并做一次 Ping
//
// 调用方需确保驱动已通过空导入注册。
func New(config core.DBConfig) (*DB, error) {
	driver := DriverName(config.Driver)
	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "open database").WithContext("driver", driver)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	timeout := config.PingTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "ping database").WithContext("driver", driver)
	}
	return Wrap(db, driver), nil
}

// Wrap 包装已打开的 *sql.DB（测试中配合 sqlmock 使用）
func Wrap(db *sql.DB, driver string) *DB {
	return &DB{session: session{exec: db, dialect: dialect.New(driver)}, db: db, driver: driver}
}

func (d *DB) Begin(ctx context.Context) (core.ITransaction, error) {
	return d.BeginTx(ctx, nil)
}

func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (core.ITransaction, error) {
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{session: session{exec: tx, dialect: d.dialect}, parent: d, tx: tx}, nil
}

func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }
func (d *DB) Close() error                   { return d.db.Close() }
func (d *DB) Raw() any                       { return d.db }

// GetDialectName 实现 core.IDialectNameProvider
func (d *DB) GetDialectName() string {
	return d.driver
}

// ExecScript 依次执行以分号分隔的 DDL 语句
func (d *DB) ExecScript(ctx context.Context, script string) error {
	for i, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.WrapError(err, errors.ErrCodeDatabase, "exec ddl").WithContext("statement", i)
		}
	}
	return nil
}
