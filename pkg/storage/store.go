package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/capacityd/capacityd/pkg/health"
	"github.com/capacityd/capacityd/pkg/pool"
)

// Config holds Store configuration
type Config struct {
	DatabasePath    string        `json:"database_path" yaml:"database_path" mapstructure:"database_path"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// DefaultConfig returns default storage configuration
func DefaultConfig() Config {
	return Config{
		DatabasePath:    "capacityd.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// Store persists the health transition log and the lease audit trail in
// SQLite. The pool and the health manager write through it via callbacks;
// the API layer reads from it for history endpoints.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	closed bool
}

// NewStore opens (creating if necessary) the SQLite database and ensures
// the schema exists.
func NewStore(config Config) (*Store, error) {
	if dir := filepath.Dir(config.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL", config.DatabasePath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db, dbPath: config.DatabasePath}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Info().Str("path", config.DatabasePath).Msg("Storage initialized")
	return store, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS health_transitions (
		id TEXT PRIMARY KEY,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_health_transitions_timestamp
		ON health_transitions(timestamp);

	CREATE TABLE IF NOT EXISTS lease_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		lease_id TEXT,
		request_id TEXT,
		resource_type TEXT,
		detail TEXT,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lease_events_timestamp
		ON lease_events(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordTransition persists one accepted health transition.
func (s *Store) RecordTransition(ctx context.Context, t health.Transition) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_transitions (id, from_status, to_status, reason, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, string(t.From), string(t.To), t.Reason, t.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// Transitions returns the most recent health transitions, newest first.
func (s *Store) Transitions(ctx context.Context, limit int) ([]health.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_status, to_status, reason, timestamp
		FROM health_transitions
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []health.Transition
	for rows.Next() {
		var t health.Transition
		var from, to string
		if err := rows.Scan(&t.ID, &from, &to, &t.Reason, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.From = health.Status(from)
		t.To = health.Status(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordLeaseEvent persists one lease lifecycle event.
func (s *Store) RecordLeaseEvent(ctx context.Context, ev pool.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lease_events (kind, lease_id, request_id, resource_type, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(ev.Kind), ev.LeaseID, ev.RequestID, string(ev.Type), ev.Detail, ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to record lease event: %w", err)
	}
	return nil
}

// LeaseEvents returns the most recent lease events, newest first.
func (s *Store) LeaseEvents(ctx context.Context, limit int) ([]pool.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, lease_id, request_id, resource_type, detail, timestamp
		FROM lease_events
		ORDER BY seq DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query lease events: %w", err)
	}
	defer rows.Close()

	var out []pool.Event
	for rows.Next() {
		var ev pool.Event
		var kind, resourceType string
		if err := rows.Scan(&kind, &ev.LeaseID, &ev.RequestID, &resourceType, &ev.Detail, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan lease event: %w", err)
		}
		ev.Kind = pool.EventKind(kind)
		ev.Type = pool.ResourceType(resourceType)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the underlying database. Further calls return errors.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
