// Package session owns the patient session lifecycle against the
// persistence backend. A Manager holds the single in-memory handle to the
// open session and is the only writer of interaction records.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fit4life/physiopipe/internal/models"
	"github.com/fit4life/physiopipe/internal/store"
)

// StartData carries optional initial assessment fields for a new session.
type StartData struct {
	PainLevel    *int
	PainLocation *string
	Symptoms     []string
}

// Manager enforces the at-most-one-open-session invariant for a single
// patient. It is safe for concurrent use.
type Manager struct {
	store     store.Store
	patientID string

	mu      sync.Mutex
	current *models.PatientSession
}

// NewManager creates a session manager bound to a patient identity. An
// empty patientID leaves the manager unauthenticated; Start will refuse to
// create sessions until an identity is bound.
func NewManager(st store.Store, patientID string) *Manager {
	slog.Debug("session.NewManager: creating manager", "authenticated", patientID != "")
	return &Manager{store: st, patientID: patientID}
}

// Current returns the open session handle, or nil when none is open.
func (m *Manager) Current() *models.PatientSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Start creates and stores a new session.
//
// Policy: if a session is already open, it is implicitly ended first (with
// a session_end record) rather than rejected. A fresh conversation always
// gets a fresh session, and the previous one is closed deterministically.
//
// Returns an error wrapping models.ErrBackendUnavailable when the backing
// tables are missing, and models.ErrNotAuthenticated when no identity is
// bound. These are the only errors that propagate out of this package.
func (m *Manager) Start(initial *StartData) (*models.PatientSession, error) {
	if err := m.store.Probe(); err != nil {
		slog.Error("session.Start: backend probe failed", "error", err)
		return nil, err
	}
	if m.patientID == "" {
		slog.Error("session.Start: no patient identity bound")
		return nil, models.ErrNotAuthenticated
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		slog.Warn("session.Start: implicitly ending prior open session", "priorSessionID", m.current.ID)
		if err := m.endLocked(nil); err != nil {
			return nil, fmt.Errorf("failed to end prior session: %w", err)
		}
	}

	session := models.PatientSession{
		ID:           uuid.NewString(),
		PatientID:    m.patientID,
		SessionStart: time.Now(),
		SessionData:  map[string]any{"started_via": "app_interaction"},
	}
	method := "text"
	if initial != nil {
		session.PainLevelInitial = initial.PainLevel
		session.PainLocation = initial.PainLocation
		session.Symptoms = initial.Symptoms
		method = "voice"
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}

	stored, err := m.store.InsertSession(session)
	if err != nil {
		slog.Error("session.Start: insert failed", "error", err, "sessionID", session.ID)
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	m.current = &stored
	slog.Info("session.Start: session started", "sessionID", stored.ID)

	m.logLocked(models.InteractionSessionStart, map[string]any{
		"method":       method,
		"initial_data": initial,
	})
	return m.current, nil
}

// End closes the open session, writing the closing fields and a session_end
// record, then clears the handle. No-op when no session is open.
func (m *Manager) End(endData *models.SessionEndData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endLocked(endData)
}

func (m *Manager) endLocked(endData *models.SessionEndData) error {
	if m.current == nil {
		slog.Debug("session.End: no open session, nothing to end")
		return nil
	}

	now := time.Now()
	update := models.SessionUpdate{SessionEnd: &now}
	data := map[string]any{}
	if endData != nil {
		update.CompletedExercise = models.BoolPtr(endData.CompletedExercise)
		update.ExerciseFeedback = endData.ExerciseFeedback
		update.PainLevelAfter = endData.PainLevelAfter
		update.BookingRequested = models.BoolPtr(endData.BookingRequested)
		update.BookingID = endData.BookingID
		data["end_data"] = endData
	}

	if _, err := m.store.UpdateSession(m.current.ID, update); err != nil {
		slog.Error("session.End: close write failed", "error", err, "sessionID", m.current.ID)
		return fmt.Errorf("failed to end session %s: %w", m.current.ID, err)
	}

	m.logLocked(models.InteractionSessionEnd, data)
	slog.Info("session.End: session ended", "sessionID", m.current.ID)
	m.current = nil
	return nil
}

// Update merges the given fields into the open session and persists them,
// returning the refreshed aggregate. No-op when no session is open.
func (m *Manager) Update(update models.SessionUpdate) (*models.PatientSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		slog.Debug("session.Update: no open session, update dropped")
		return nil, nil
	}

	refreshed, err := m.store.UpdateSession(m.current.ID, update)
	if err != nil {
		slog.Error("session.Update: update failed", "error", err, "sessionID", m.current.ID)
		return nil, fmt.Errorf("failed to update session %s: %w", m.current.ID, err)
	}
	m.current = &refreshed
	return m.current, nil
}

// LogInteraction appends one interaction record for the open session.
//
// Interactions logged before a session exists are silently dropped, not
// queued: this is intentional lossy behavior. Persistence failures are
// swallowed and logged so the conversation is never interrupted by a
// logging problem.
func (m *Manager) LogInteraction(interactionType string, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logLocked(interactionType, data)
}

func (m *Manager) logLocked(interactionType string, data map[string]any) {
	if m.current == nil {
		slog.Debug("session.LogInteraction: no open session, interaction dropped", "type", interactionType)
		return
	}

	err := m.store.InsertInteraction(models.PatientInteraction{
		SessionID:       m.current.ID,
		InteractionType: interactionType,
		InteractionData: data,
		Timestamp:       time.Now(),
	})
	if err != nil {
		slog.Warn("session.LogInteraction: write failed, continuing", "error", err, "sessionID", m.current.ID, "type", interactionType)
	}
}
