// Package store provides persistence backends for patient sessions and
// interaction logs.
//
// It includes an in-memory store for tests and local runs, plus SQLite and
// PostgreSQL backends. All backends expose the same three logical writes
// (insert session, update session, insert interaction) and an existence
// probe that distinguishes a missing schema from ordinary failures.
package store

import (
	"fmt"
	"sync"

	"github.com/fit4life/physiopipe/internal/models"
)

// Store defines the persistence operations consumed by the session manager.
type Store interface {
	// Probe verifies the backing tables exist. A missing schema yields an
	// error wrapping models.ErrBackendUnavailable; other failures pass
	// through unchanged.
	Probe() error

	// InsertSession persists a new session and returns the stored record.
	InsertSession(session models.PatientSession) (models.PatientSession, error)

	// UpdateSession applies the non-nil fields of update to the session with
	// the given id and returns the refreshed record.
	UpdateSession(id string, update models.SessionUpdate) (models.PatientSession, error)

	// InsertInteraction appends one interaction log entry.
	InsertInteraction(interaction models.PatientInteraction) error

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN     string
	Migrate bool
}

// Option configures a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithMigrations enables running the embedded schema migrations at startup.
// Off by default: the schema is normally created by the setup script, and
// the probe's missing-table detection is part of the session contract.
func WithMigrations() Option {
	return func(o *Opts) { o.Migrate = true }
}

// InMemoryStore is a Store kept entirely in process memory.
type InMemoryStore struct {
	mu           sync.Mutex
	sessions     map[string]models.PatientSession
	interactions []models.PatientInteraction
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]models.PatientSession)}
}

// Probe always succeeds: the in-memory schema cannot be missing.
func (s *InMemoryStore) Probe() error { return nil }

// InsertSession stores a new session record.
func (s *InMemoryStore) InsertSession(session models.PatientSession) (models.PatientSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return models.PatientSession{}, fmt.Errorf("session %s already exists", session.ID)
	}
	s.sessions[session.ID] = session
	return session, nil
}

// UpdateSession merges the update into the stored record.
func (s *InMemoryStore) UpdateSession(id string, update models.SessionUpdate) (models.PatientSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.PatientSession{}, fmt.Errorf("session %s not found", id)
	}
	applyUpdate(&session, update)
	s.sessions[id] = session
	return session, nil
}

// InsertInteraction appends one interaction entry.
func (s *InMemoryStore) InsertInteraction(interaction models.PatientInteraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions = append(s.interactions, interaction)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// GetSession returns a stored session by id. Test helper.
func (s *InMemoryStore) GetSession(id string) (models.PatientSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	return session, ok
}

// Interactions returns a copy of the interaction log. Test helper.
func (s *InMemoryStore) Interactions() []models.PatientInteraction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PatientInteraction, len(s.interactions))
	copy(out, s.interactions)
	return out
}

// applyUpdate copies the non-nil fields of update onto session.
func applyUpdate(session *models.PatientSession, update models.SessionUpdate) {
	if update.SessionEnd != nil {
		session.SessionEnd = update.SessionEnd
	}
	if update.PainLevelInitial != nil {
		session.PainLevelInitial = update.PainLevelInitial
	}
	if update.PainLocation != nil {
		session.PainLocation = update.PainLocation
	}
	if update.Symptoms != nil {
		session.Symptoms = update.Symptoms
	}
	if update.CompletedExercise != nil {
		session.CompletedExercise = *update.CompletedExercise
	}
	if update.ExerciseFeedback != nil {
		session.ExerciseFeedback = update.ExerciseFeedback
	}
	if update.PainLevelAfter != nil {
		session.PainLevelAfter = update.PainLevelAfter
	}
	if update.BookingRequested != nil {
		session.BookingRequested = *update.BookingRequested
	}
	if update.BookingID != nil {
		session.BookingID = update.BookingID
	}
	if update.SessionData != nil {
		session.SessionData = update.SessionData
	}
}
