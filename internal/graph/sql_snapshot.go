package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	snapshotTableName   = "relaygraph_graph_snapshot"
	snapshotStateKey    = "default"
	sqlOperationTimeout = 5 * time.Second
	postgresDriverName  = "postgres"
	sqliteDriverName    = "sqlite3"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQLSnapshotBackend keeps the graph snapshot as a single JSON row. The same
// statements run on postgres and sqlite.
type SQLSnapshotBackend struct {
	driver    string
	dsn       string
	tableName string
	stateKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresSnapshotBackend(dsn string) (SnapshotBackend, error) {
	return newSQLSnapshotBackend(postgresDriverName, dsn)
}

func NewSQLiteSnapshotBackend(path string) (SnapshotBackend, error) {
	return newSQLSnapshotBackend(sqliteDriverName, path)
}

func newSQLSnapshotBackend(driver, dsn string) (*SQLSnapshotBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLSnapshotBackend{
		driver:    driver,
		dsn:       dsn,
		tableName: snapshotTableName,
		stateKey:  snapshotStateKey,
		openDB:    sql.Open,
	}, nil
}

func (b *SQLSnapshotBackend) Load() (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", QuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *SQLSnapshotBackend) Save(snapshot *Snapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at`, QuoteIdentifier(b.tableName))
	_, err = b.db.ExecContext(ctx, query, b.stateKey, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (b *SQLSnapshotBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLSnapshotBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.driver == sqliteDriverName {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`, QuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

// QuoteIdentifier double-quotes a table or index name for postgres and sqlite.
func QuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
