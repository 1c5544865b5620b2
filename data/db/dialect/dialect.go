// Package dialect 描述 saga 存储支持的 SQL 方言差异
package dialect

import (
	"strconv"
	"strings"

	core "accesssaga/data/db"
)

// Name 标准化的数据库方言名称
type Name string

const (
	NameSQLite   Name = "sqlite"
	NamePostgres Name = "postgres"
	NameUnknown  Name = ""
)

// Dialect 当前数据库的方言能力：占位符风格、标识符转义、唯一键冲突识别
type Dialect struct {
	name Name
}

// New 根据驱动或方言名构造（大小写不敏感），pgx 视为 postgres
func New(name string) Dialect {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return Dialect{name: NameSQLite}
	case "postgres", "postgresql", "pgx":
		return Dialect{name: NamePostgres}
	default:
		return Dialect{name: NameUnknown}
	}
}

// FromDatabase 从 IDatabase 推断方言，未实现 IDialectNameProvider 时返回 Unknown
func FromDatabase(db core.IDatabase) Dialect {
	if p, ok := db.(core.IDialectNameProvider); ok && p != nil {
		return New(p.GetDialectName())
	}
	return Dialect{name: NameUnknown}
}

func (d Dialect) Name() Name {
	return d.name
}

// QuoteIdentifier 对标识符加双引号，schema.table 形式逐段处理；Unknown 方言原样返回
func (d Dialect) QuoteIdentifier(name string) string {
	if name == "" || d.name == NameUnknown {
		return name
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if p != "" {
			parts[i] = `"` + p + `"`
		}
	}
	return strings.Join(parts, ".")
}

// Rebind 将 ? 占位符改写为方言形式，Postgres 依次替换为 $1、$2...
//
// 简单字符扫描，不识别字符串字面量中的 ?；仓储 SQL 只使用参数化占位符。
func (d Dialect) Rebind(query string) string {
	if d.name != NamePostgres || !strings.Contains(query, "?") {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// IsUniqueViolation 按错误文本识别唯一键/主键冲突
func (d Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch d.name {
	case NameSQLite:
		return strings.Contains(msg, "unique constraint failed")
	case NamePostgres:
		// pgx: ERROR: duplicate key value violates unique constraint (SQLSTATE 23505)
		return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
	default:
		return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
	}
}
