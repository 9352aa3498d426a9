// Package store provides persistence backends for patient sessions and
// interaction logs.
//
// This file implements an SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fit4life/physiopipe/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by an SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store. The DSN is a file path to the
// database file; its directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "", "migrate", cfg.Migrate)

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if cfg.Migrate {
		slog.Debug("Running SQLite migrations")
		if _, err := db.Exec(sqliteMigrations); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	slog.Debug("SQLite store ready")
	return &SQLiteStore{db: db}, nil
}

// Probe checks that the patient tables exist.
func (s *SQLiteStore) Probe() error {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM patient_sessions LIMIT 1`).Scan(&one)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		if isSQLiteMissingTable(err) {
			slog.Error("SQLiteStore Probe: patient tables missing", "error", err)
			return fmt.Errorf("%w: %v", models.ErrBackendUnavailable, err)
		}
		slog.Error("SQLiteStore Probe failed", "error", err)
		return fmt.Errorf("failed to probe patient tables: %w", err)
	}
	return nil
}

// InsertSession persists a new session record.
func (s *SQLiteStore) InsertSession(session models.PatientSession) (models.PatientSession, error) {
	args, err := sessionInsertArgs(session)
	if err != nil {
		return models.PatientSession{}, err
	}
	_, err = s.db.Exec(`INSERT INTO patient_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		slog.Error("SQLiteStore InsertSession failed", "error", err, "sessionID", session.ID)
		return models.PatientSession{}, fmt.Errorf("failed to insert session %s: %w", session.ID, err)
	}
	slog.Debug("SQLiteStore InsertSession succeeded", "sessionID", session.ID)
	return s.getSession(session.ID)
}

// UpdateSession applies the non-nil fields of update and returns the
// refreshed record.
func (s *SQLiteStore) UpdateSession(id string, update models.SessionUpdate) (models.PatientSession, error) {
	clauses, args, err := sessionUpdateClauses(update, func(int) string { return "?" })
	if err != nil {
		return models.PatientSession{}, err
	}
	if len(clauses) == 0 {
		return s.getSession(id)
	}
	args = append(args, id)
	query := `UPDATE patient_sessions SET ` + strings.Join(clauses, ", ") + ` WHERE id = ?`
	res, err := s.db.Exec(query, args...)
	if err != nil {
		slog.Error("SQLiteStore UpdateSession failed", "error", err, "sessionID", id)
		return models.PatientSession{}, fmt.Errorf("failed to update session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.PatientSession{}, fmt.Errorf("session %s not found", id)
	}
	slog.Debug("SQLiteStore UpdateSession succeeded", "sessionID", id, "fields", len(clauses))
	return s.getSession(id)
}

// InsertInteraction appends one interaction log entry.
func (s *SQLiteStore) InsertInteraction(interaction models.PatientInteraction) error {
	args, err := interactionInsertArgs(interaction)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO patient_interactions (session_id, interaction_type, interaction_data, timestamp) VALUES (?, ?, ?, ?)`, args...)
	if err != nil {
		slog.Error("SQLiteStore InsertInteraction failed", "error", err, "sessionID", interaction.SessionID, "type", interaction.InteractionType)
		return fmt.Errorf("failed to insert interaction for session %s: %w", interaction.SessionID, err)
	}
	slog.Debug("SQLiteStore InsertInteraction succeeded", "sessionID", interaction.SessionID, "type", interaction.InteractionType)
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) getSession(id string) (models.PatientSession, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM patient_sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err != nil {
		return models.PatientSession{}, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return session, nil
}

// isSQLiteMissingTable reports whether err is SQLite's missing-table error.
func isSQLiteMissingTable(err error) bool {
	return strings.Contains(err.Error(), "no such table")
}
