// Package store provides persistence backends for patient sessions and
// interaction logs.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/lib/pq"

	"github.com/fit4life/physiopipe/internal/models"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum connection reuse time.
	DefaultConnMaxLifetime = 5 * time.Minute
)

// pqUndefinedTable is the PostgreSQL error code for a missing relation.
const pqUndefinedTable = "42P01"

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "", "migrate", cfg.Migrate)

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if cfg.Migrate {
		slog.Debug("Running Postgres migrations")
		if _, err := db.Exec(postgresMigrations); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	slog.Debug("Postgres store ready")
	return &PostgresStore{db: db}, nil
}

// Probe checks that the patient tables exist. A missing relation maps to
// models.ErrBackendUnavailable so callers can surface setup instructions.
func (s *PostgresStore) Probe() error {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM patient_sessions LIMIT 1`).Scan(&one)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		if isPostgresMissingTable(err) {
			slog.Error("PostgresStore Probe: patient tables missing", "error", err)
			return fmt.Errorf("%w: %v", models.ErrBackendUnavailable, err)
		}
		slog.Error("PostgresStore Probe failed", "error", err)
		return fmt.Errorf("failed to probe patient tables: %w", err)
	}
	return nil
}

// InsertSession persists a new session record.
func (s *PostgresStore) InsertSession(session models.PatientSession) (models.PatientSession, error) {
	args, err := sessionInsertArgs(session)
	if err != nil {
		return models.PatientSession{}, err
	}
	_, err = s.db.Exec(`INSERT INTO patient_sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, args...)
	if err != nil {
		slog.Error("PostgresStore InsertSession failed", "error", err, "sessionID", session.ID)
		return models.PatientSession{}, fmt.Errorf("failed to insert session %s: %w", session.ID, err)
	}
	slog.Debug("PostgresStore InsertSession succeeded", "sessionID", session.ID)
	return s.getSession(session.ID)
}

// UpdateSession applies the non-nil fields of update and returns the
// refreshed record.
func (s *PostgresStore) UpdateSession(id string, update models.SessionUpdate) (models.PatientSession, error) {
	clauses, args, err := sessionUpdateClauses(update, func(n int) string { return fmt.Sprintf("$%d", n) })
	if err != nil {
		return models.PatientSession{}, err
	}
	if len(clauses) == 0 {
		return s.getSession(id)
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE patient_sessions SET %s WHERE id = $%d`, strings.Join(clauses, ", "), len(args))
	res, err := s.db.Exec(query, args...)
	if err != nil {
		slog.Error("PostgresStore UpdateSession failed", "error", err, "sessionID", id)
		return models.PatientSession{}, fmt.Errorf("failed to update session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.PatientSession{}, fmt.Errorf("session %s not found", id)
	}
	slog.Debug("PostgresStore UpdateSession succeeded", "sessionID", id, "fields", len(clauses))
	return s.getSession(id)
}

// InsertInteraction appends one interaction log entry.
func (s *PostgresStore) InsertInteraction(interaction models.PatientInteraction) error {
	args, err := interactionInsertArgs(interaction)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO patient_interactions (session_id, interaction_type, interaction_data, timestamp) VALUES ($1, $2, $3, $4)`, args...)
	if err != nil {
		slog.Error("PostgresStore InsertInteraction failed", "error", err, "sessionID", interaction.SessionID, "type", interaction.InteractionType)
		return fmt.Errorf("failed to insert interaction for session %s: %w", interaction.SessionID, err)
	}
	slog.Debug("PostgresStore InsertInteraction succeeded", "sessionID", interaction.SessionID, "type", interaction.InteractionType)
	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) getSession(id string) (models.PatientSession, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM patient_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		return models.PatientSession{}, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return session, nil
}

// isPostgresMissingTable reports whether err is an undefined_table error.
func isPostgresMissingTable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqUndefinedTable
	}
	// Driver-agnostic fallback for wrapped or stringly errors.
	return strings.Contains(err.Error(), "does not exist")
}
