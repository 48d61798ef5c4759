// Package sqlite provides a SQLite-backed synckit.LocalStorage, the durable
// key/value store that holds the offline queue, the conflict list and the
// device identifier across restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/c0deZ3R0/relsync/errors"
	"github.com/c0deZ3R0/relsync/logging"
	"github.com/c0deZ3R0/relsync/synckit"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting
const (
	opGet    = "sqlite.Get"
	opSet    = "sqlite.Set"
	opRemove = "sqlite.Remove"
	opKeys   = "sqlite.Keys"

	component = "storage/sqlite"
)

var (
	ErrStoreClosed      = errors.New("store is closed")
	ErrInvalidTableName = errors.New("invalid table name")
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds configuration options for the SQLite KV store.
//
// Defaults applied by DefaultConfig():
//   - WAL mode enabled
//   - a single open connection, since SQLite serializes writers anyway
//   - a 5 second busy timeout
type Config struct {
	// DataSourceName is the SQLite file path or URI.
	// Example: "file:relsync.db"
	DataSourceName string `yaml:"path"`

	// EnableWAL appends _journal_mode=WAL to DataSourceName.
	EnableWAL bool `yaml:"wal"`

	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// TableName is the key/value table. Defaults to "kv".
	TableName string `yaml:"table"`

	// Logger is optional; defaults to the package component logger.
	Logger *slog.Logger `yaml:"-"`

	MaxOpenConns    int           `yaml:"max_open_conns"`     // Default: 1
	MaxIdleConns    int           `yaml:"max_idle_conns"`     // Default: 1
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`  // Default: 0 (no limit)
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"` // Default: 0 (no limit)
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "kv"
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component("sqlite-kv")).Logger
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 1
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 1
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
}

// dsn returns DataSourceName with the driver parameters appended.
func (c *Config) dsn() string {
	dsn := c.DataSourceName
	add := func(param string) {
		key := param[:strings.Index(param, "=")+1]
		if strings.Contains(dsn, key) {
			return
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + param
		} else {
			dsn += "?" + param
		}
	}
	if c.EnableWAL {
		add("_journal_mode=WAL")
	}
	add(fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout.Milliseconds()))
	return dsn
}

// DefaultConfig returns a Config with WAL enabled for dataSourceName.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// Store implements synckit.LocalStorage on a single SQLite table.
type Store struct {
	db        *sql.DB
	mu        stdSync.RWMutex
	closed    bool
	logger    *slog.Logger
	tableName string
	now       func() time.Time
}

var _ synckit.LocalStorage = (*Store)(nil)

// New opens the database described by config and creates the table.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}
	if !tableNamePattern.MatchString(config.TableName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, config.TableName)
	}

	logger := config.Logger
	logger.Info("Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{
		db:        db,
		logger:    logger,
		tableName: config.TableName,
		now:       time.Now,
	}
	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.Info("SQLite KV store initialized", slog.String("table_name", config.TableName))
	return store, nil
}

func (s *Store) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        key         TEXT PRIMARY KEY,
        value       TEXT NOT NULL,
        updated_at  INTEGER NOT NULL
    );`, s.tableName)
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}

	var value string
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, s.tableName)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, syncErrors.WrapStorage(err, syncErrors.Op(opGet), component)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, key, value, s.now().UnixMilli()); err != nil {
		return syncErrors.WrapStorage(err, syncErrors.Op(opSet), component)
	}
	s.logger.DebugContext(ctx, "key stored", slog.String("key", key), slog.Int("bytes", len(value)))
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return syncErrors.WrapStorage(err, syncErrors.Op(opRemove), component)
	}
	return nil
}

// Keys returns every stored key in lexical order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT key FROM %s ORDER BY key ASC`, s.tableName)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, syncErrors.WrapStorage(err, syncErrors.Op(opKeys), component)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key row: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return keys, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}
