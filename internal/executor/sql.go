// Package executor provides reference Executor implementations the
// batching layer can dispatch to. The batcher itself treats payloads as
// opaque; each adapter documents the payload shape it expects.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/chainkit/txbatcher/internal/core"
)

// Statement is the payload shape SQLExecutor expects: one parameterized
// write statement.
type Statement struct {
	Query string `json:"query"`
	Args  []any  `json:"args,omitempty"`
}

// ExecResult is returned for a successfully executed statement.
type ExecResult struct {
	RowsAffected int64 `json:"rows_affected"`
	LastInsertID int64 `json:"last_insert_id"`
}

// SQLConfig holds connection settings for SQLExecutor.
type SQLConfig struct {
	Host              string
	Port              int
	Database          string
	Username          string
	Password          string
	MaxOpenConns      int
	MaxIdleConns      int
	ConnMaxLifetime   time.Duration
	ConnectionTimeout time.Duration
}

// SQLExecutor executes Statement payloads against MySQL.
type SQLExecutor struct {
	db     *sql.DB
	closed bool
}

// NewSQLExecutor opens a MySQL connection pool and verifies it.
func NewSQLExecutor(cfg SQLConfig) (*SQLExecutor, error) {
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&timeout=%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.ConnectionTimeout)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLExecutor{db: db}, nil
}

// Execute runs one statement. The payload must be a Statement or
// *Statement.
func (e *SQLExecutor) Execute(ctx context.Context, payload any) (any, error) {
	if e.closed {
		return nil, fmt.Errorf("sql executor is closed")
	}

	var stmt Statement
	switch p := payload.(type) {
	case Statement:
		stmt = p
	case *Statement:
		stmt = *p
	default:
		return nil, fmt.Errorf("%w: expected executor.Statement, got %T", core.ErrInvalidPayload, payload)
	}
	if stmt.Query == "" {
		return nil, fmt.Errorf("%w: empty query", core.ErrInvalidPayload)
	}

	result, err := e.db.ExecContext(ctx, stmt.Query, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute statement: %w", err)
	}

	rows, _ := result.RowsAffected()
	lastID, _ := result.LastInsertId()
	return &ExecResult{RowsAffected: rows, LastInsertID: lastID}, nil
}

// Close closes the connection pool.
func (e *SQLExecutor) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.db.Close()
}
