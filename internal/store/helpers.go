// Package store provides persistence backends for patient sessions and
// interaction logs.
//
// This file holds SQL helpers shared by the SQLite and Postgres backends.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fit4life/physiopipe/internal/models"
)

// sessionColumns is the canonical column list for patient_sessions, in the
// order used by inserts and scans.
const sessionColumns = `id, patient_id, session_start, session_end, pain_level_initial, pain_location, symptoms, completed_exercise, exercise_feedback, pain_level_after, booking_requested, booking_id, session_data`

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// sessionInsertArgs flattens a session into insert arguments matching
// sessionColumns.
func sessionInsertArgs(s models.PatientSession) ([]any, error) {
	var symptoms, sessionData any
	var err error
	if s.Symptoms != nil {
		if symptoms, err = marshalJSON(s.Symptoms); err != nil {
			return nil, fmt.Errorf("failed to marshal symptoms: %w", err)
		}
	}
	if s.SessionData != nil {
		if sessionData, err = marshalJSON(s.SessionData); err != nil {
			return nil, fmt.Errorf("failed to marshal session data: %w", err)
		}
	}
	return []any{
		s.ID, s.PatientID, s.SessionStart, s.SessionEnd,
		s.PainLevelInitial, s.PainLocation, symptoms,
		s.CompletedExercise, s.ExerciseFeedback, s.PainLevelAfter,
		s.BookingRequested, s.BookingID, sessionData,
	}, nil
}

// sessionUpdateClauses builds SET clauses and arguments for the non-nil
// fields of update. placeholder renders the n-th positional parameter
// (1-based), letting each backend supply its own syntax.
func sessionUpdateClauses(update models.SessionUpdate, placeholder func(n int) string) ([]string, []any, error) {
	var clauses []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = %s", column, placeholder(len(args))))
	}

	if update.SessionEnd != nil {
		add("session_end", *update.SessionEnd)
	}
	if update.PainLevelInitial != nil {
		add("pain_level_initial", *update.PainLevelInitial)
	}
	if update.PainLocation != nil {
		add("pain_location", *update.PainLocation)
	}
	if update.Symptoms != nil {
		symptoms, err := marshalJSON(update.Symptoms)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal symptoms: %w", err)
		}
		add("symptoms", symptoms)
	}
	if update.CompletedExercise != nil {
		add("completed_exercise", *update.CompletedExercise)
	}
	if update.ExerciseFeedback != nil {
		add("exercise_feedback", *update.ExerciseFeedback)
	}
	if update.PainLevelAfter != nil {
		add("pain_level_after", *update.PainLevelAfter)
	}
	if update.BookingRequested != nil {
		add("booking_requested", *update.BookingRequested)
	}
	if update.BookingID != nil {
		add("booking_id", *update.BookingID)
	}
	if update.SessionData != nil {
		sessionData, err := marshalJSON(update.SessionData)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal session data: %w", err)
		}
		add("session_data", sessionData)
	}
	return clauses, args, nil
}

// scanSession reads one patient_sessions row in sessionColumns order.
func scanSession(row rowScanner) (models.PatientSession, error) {
	var s models.PatientSession
	var sessionEnd sql.NullTime
	var painInitial, painAfter sql.NullInt64
	var painLocation, exerciseFeedback, bookingID sql.NullString
	var symptoms, sessionData []byte

	err := row.Scan(
		&s.ID, &s.PatientID, &s.SessionStart, &sessionEnd,
		&painInitial, &painLocation, &symptoms,
		&s.CompletedExercise, &exerciseFeedback, &painAfter,
		&s.BookingRequested, &bookingID, &sessionData,
	)
	if err != nil {
		return models.PatientSession{}, err
	}

	if sessionEnd.Valid {
		s.SessionEnd = &sessionEnd.Time
	}
	if painInitial.Valid {
		s.PainLevelInitial = models.IntPtr(int(painInitial.Int64))
	}
	if painLocation.Valid {
		s.PainLocation = &painLocation.String
	}
	if exerciseFeedback.Valid {
		s.ExerciseFeedback = &exerciseFeedback.String
	}
	if painAfter.Valid {
		s.PainLevelAfter = models.IntPtr(int(painAfter.Int64))
	}
	if bookingID.Valid {
		s.BookingID = &bookingID.String
	}
	if len(symptoms) > 0 {
		if err := json.Unmarshal(symptoms, &s.Symptoms); err != nil {
			return models.PatientSession{}, fmt.Errorf("failed to unmarshal symptoms: %w", err)
		}
	}
	if len(sessionData) > 0 {
		if err := json.Unmarshal(sessionData, &s.SessionData); err != nil {
			return models.PatientSession{}, fmt.Errorf("failed to unmarshal session data: %w", err)
		}
	}
	return s, nil
}

// marshalJSON encodes v, mapping nil to a SQL NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// interactionInsertArgs flattens an interaction into insert arguments.
func interactionInsertArgs(i models.PatientInteraction) ([]any, error) {
	var data any
	if i.InteractionData != nil {
		var err error
		if data, err = marshalJSON(i.InteractionData); err != nil {
			return nil, fmt.Errorf("failed to marshal interaction data: %w", err)
		}
	}
	return []any{i.SessionID, i.InteractionType, data, i.Timestamp}, nil
}
