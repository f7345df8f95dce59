package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"caresync/internal/domain"
	"caresync/internal/models"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

var knownTables = map[string]bool{
	models.TableQueue:     true,
	models.TableMirror:    true,
	models.TableConflicts: true,
}

// DB is the sqlite-backed durable store. Every logical table is a real
// key/value table so queue and mirror writes never share rows.
type DB struct {
	*sql.DB
	path   string
	quota  int64
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer keeps every put a single serialized transaction
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("sync database initialized")
	return &DB{DB: sqlDB, path: path, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	for table := range knownTables {
		query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            key TEXT PRIMARY KEY,
            value BLOB NOT NULL,
            updated_at DATETIME NOT NULL
        )`, table)
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// SetQuota sets the quota reported by Usage.
func (db *DB) SetQuota(bytes int64) {
	db.quota = bytes
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func checkTable(table string) error {
	if !knownTables[table] {
		return fmt.Errorf("unknown table %q", table)
	}
	return nil
}

func (db *DB) Get(ctx context.Context, table, key string) ([]byte, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	var value []byte
	err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, table), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", table, key, err)
	}
	return value, nil
}

func (db *DB) Put(ctx context.Context, table, key string, value []byte) error {
	return db.PutMany(ctx, table, map[string][]byte{key: value})
}

// PutMany upserts all values in one transaction.
func (db *DB) PutMany(ctx context.Context, table string, values map[string][]byte) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES (?, ?, ?)
              ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, table)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for key, value := range values {
		if _, err := stmt.ExecContext(ctx, key, value, now); err != nil {
			return fmt.Errorf("failed to put %s/%s: %w", table, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (db *DB) Delete(ctx context.Context, table, key string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, table), key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, key, err)
	}
	return nil
}

func (db *DB) List(ctx context.Context, table string) (map[string][]byte, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT key, value FROM %s`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (db *DB) Clear(ctx context.Context, table string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}
	return nil
}

// Usage reports the database size from sqlite page accounting.
func (db *DB) Usage(ctx context.Context) (models.StorageUsage, error) {
	var pageCount, pageSize int64
	if err := db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return models.StorageUsage{}, fmt.Errorf("failed to read page_count: %w", err)
	}
	if err := db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return models.StorageUsage{}, fmt.Errorf("failed to read page_size: %w", err)
	}
	return models.StorageUsage{UsedBytes: pageCount * pageSize, QuotaBytes: db.quota}, nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}
