// Package db opens the task store's database and provides the writer/reader
// pool split the stores run on. SQLite is the default driver; PostgreSQL is
// selected with storage.driver=postgres.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/taskdeck/taskdeck/internal/common/config"
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode, this enables concurrent reads while serializing
// writes through a single connection. The writer pool uses MaxOpenConns(1) to
// avoid SQLITE_BUSY on write contention, while the reader pool allows multiple
// concurrent connections for SELECT queries.
//
// For PostgreSQL, both Writer and Reader return the same *sqlx.DB since pgx
// handles connection pooling internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open creates a Pool for the configured driver.
func Open(storage config.StorageConfig, pg config.DatabaseConfig) (*Pool, error) {
	switch storage.Driver {
	case "", "sqlite":
		writer, err := openSQLiteWriter(storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite writer: %w", err)
		}
		reader, err := openSQLiteReader(storage.SQLitePath)
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("open sqlite reader: %w", err)
		}
		return &Pool{writer: writer, reader: reader}, nil
	case "postgres":
		conn, err := openPostgres(pg.DSN(), pg.MaxConns, pg.MinConns)
		if err != nil {
			return nil, err
		}
		return &Pool{writer: conn, reader: conn}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", storage.Driver)
	}
}

// NewPool creates a Pool from explicit writer and reader connections.
// Tests use this with in-memory or temp-file databases.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries. For SQLite
// this opens multiple read-only connections that can operate concurrently
// with the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName reports the underlying sql driver ("sqlite3" or "pgx").
func (p *Pool) DriverName() string { return p.writer.DriverName() }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	// SQLite keeps planner statistics fresher when optimize runs at shutdown.
	if p.writer.DriverName() == "sqlite3" {
		_, _ = p.writer.Exec("PRAGMA optimize")
	}
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
