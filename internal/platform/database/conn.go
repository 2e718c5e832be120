package database

import (
	"context"
	"database/sql"
	"regexp"
)

// Conn is the query surface shared by *sql.DB and *sql.Tx.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var placeholderPattern = regexp.MustCompile(`\$[0-9]+`)

// Rebind rewrites Postgres-style $N placeholders for the driver. Queries must
// use each placeholder once and in ascending order.
func (d Driver) Rebind(query string) string {
	if d != DriverSQLite {
		return query
	}
	return placeholderPattern.ReplaceAllString(query, "?")
}

// Bind wraps conn so queries written with $N placeholders run on driver.
func Bind(driver Driver, conn Conn) Conn {
	if driver != DriverSQLite || conn == nil {
		return conn
	}
	return reboundConn{driver: driver, conn: conn}
}

type reboundConn struct {
	driver Driver
	conn   Conn
}

func (c reboundConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, c.driver.Rebind(query), args...)
}

func (c reboundConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, c.driver.Rebind(query), args...)
}

func (c reboundConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, c.driver.Rebind(query), args...)
}
