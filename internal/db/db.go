// Package db records tracking sessions to PostgreSQL or SQLite.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/unklstewy/tptool/pkg/config"
)

//go:embed schema_postgres.sql schema_sqlite.sql
var schemaSQL embed.FS

// Dialect identifies the SQL flavor of a connection.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DB wraps a database connection with helper methods.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Connect opens the database named by cfg and verifies it is reachable.
func Connect(cfg config.DatabaseConfig) (*DB, error) {
	var dialect Dialect
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql":
		dialect = Postgres
	case "sqlite", "sqlite3":
		dialect = SQLite
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is empty")
	}

	sqlDB, err := sql.Open(string(dialect), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == SQLite {
		// SQLite allows one writer at a time.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: sqlDB, dialect: dialect}, nil
}

// Dialect returns the SQL flavor of the connection.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// InitSchema creates the session tables if they do not exist.
// This should be called once at application startup.
func (db *DB) InitSchema(ctx context.Context) error {
	name := "schema_" + string(db.dialect) + ".sql"
	schemaBytes, err := schemaSQL.ReadFile(name)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	// One statement per Exec.
	for _, stmt := range strings.Split(string(schemaBytes), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}

	return nil
}

// Rebind rewrites '?' placeholders into the connection's placeholder style.
func (db *DB) Rebind(query string) string {
	if db.dialect != Postgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
