package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pressly/goose/v3/database"
)

// Dialect names a supported durable store backend.
type Dialect string

const (
	DialectSQLite    Dialect = "sqlite"
	DialectPostgres  Dialect = "postgres"
	DialectMySQL     Dialect = "mysql"
	DialectSQLServer Dialect = "sqlserver"
)

// ParseDialect accepts the common spellings of each backend.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "sqlserver", "mssql":
		return DialectSQLServer, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q (supported: sqlite, postgres, mysql, sqlserver)", s)
	}
}

// driverName is the database/sql driver registered for the dialect.
func (d Dialect) driverName() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	case DialectMySQL:
		return "mysql"
	case DialectSQLServer:
		return "sqlserver"
	default:
		return "sqlite"
	}
}

func (d Dialect) gooseDialect() database.Dialect {
	switch d {
	case DialectPostgres:
		return database.DialectPostgres
	case DialectMySQL:
		return database.DialectMySQL
	case DialectSQLServer:
		return database.DialectMSSQL
	default:
		return database.DialectSQLite3
	}
}

// normalizeDSN applies driver options the store depends on.
func (d Dialect) normalizeDSN(dsn string) string {
	if d == DialectMySQL && !strings.Contains(dsn, "parseTime=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "parseTime=true&loc=UTC"
	}
	return dsn
}

// limitClause renders a row cap for an already ordered query.
func (d Dialect) limitClause(n int) string {
	if n <= 0 {
		return ""
	}
	if d == DialectSQLServer {
		return " OFFSET 0 ROWS FETCH NEXT " + strconv.Itoa(n) + " ROWS ONLY"
	}
	return " LIMIT " + strconv.Itoa(n)
}
