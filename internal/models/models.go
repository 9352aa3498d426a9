// Package models defines the core data structures for physiopipe.
//
// It includes conversation, voice, and session types shared across modules.
package models

import (
	"errors"
	"time"
)

// Sender identifies who produced a conversation message.
type Sender string

const (
	// SenderUser marks a message typed or spoken by the patient.
	SenderUser Sender = "user"
	// SenderAgent marks a message produced by the assistant.
	SenderAgent Sender = "agent"
)

// Conversation step constants. The dialogue advances through these phases;
// the Response Generator decides when to advance.
const (
	// StepIntake is the initial pain-assessment phase.
	StepIntake = 0
	// StepInformational is the educational phase after a pain level is known.
	StepInformational = 1
	// StepExerciseReady is reached once the patient asks about exercises.
	StepExerciseReady = 2
)

// Validation constants for patient-reported pain data.
const (
	// MinPainLevel is the lowest valid self-reported pain level.
	MinPainLevel = 1
	// MaxPainLevel is the highest valid self-reported pain level.
	MaxPainLevel = 10
)

// Interaction type constants. Every state-changing action emits exactly one
// interaction record using one of these types.
const (
	InteractionSessionStart        = "session_start"
	InteractionSessionEnd          = "session_end"
	InteractionMessage             = "message"
	InteractionConversationStart   = "conversation_start"
	InteractionProgress            = "conversation_progress"
	InteractionTransitionExercise  = "transition_to_exercise"
	InteractionExerciseStart       = "exercise_start"
	InteractionExercisePlay        = "exercise_play"
	InteractionExerciseStep        = "exercise_step"
	InteractionExerciseComplete    = "exercise_complete"
	InteractionExerciseReset       = "exercise_reset"
	InteractionExerciseFeedback    = "exercise_feedback"
	InteractionExerciseFeedbackDet = "exercise_feedback_detailed"
	InteractionBookingFlowStart    = "booking_flow_start"
	InteractionBookingView         = "booking_confirmation_view"
	InteractionBookingEmailSent    = "booking_email_sent"
	InteractionAddToCalendar       = "add_to_calendar"
	InteractionResourceAccess      = "resource_access"
	InteractionBookingComplete     = "booking_flow_complete"
)

// Error variables for better error handling and testability.
var (
	// ErrBackendUnavailable indicates the persistence backend's schema is
	// missing. Distinct from ordinary write failures so callers can surface
	// setup instructions instead of a generic error.
	ErrBackendUnavailable = errors.New("persistence backend unavailable: required tables not found, run scripts/001_create_patient_tables.sql against your database")
	// ErrNotAuthenticated indicates no patient identity is bound.
	ErrNotAuthenticated = errors.New("patient not authenticated")
	// ErrNoOpenSession indicates an operation required an open session.
	ErrNoOpenSession = errors.New("no open patient session")
	// ErrSpeechUnsupported indicates the platform has no capture primitive.
	ErrSpeechUnsupported = errors.New("speech recognition not supported")
	// ErrSynthesisUnsupported indicates the platform has no synthesis primitive.
	ErrSynthesisUnsupported = errors.New("speech synthesis not supported")
	// ErrInvalidPainLevel indicates a pain level outside the 1..10 range.
	ErrInvalidPainLevel = errors.New("pain level must be between 1 and 10")
)

// Message is one durable entry in the conversation transcript. Messages are
// append-only; insertion order is the canonical ordering.
type Message struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Sender     Sender    `json:"sender"`
	Timestamp  time.Time `json:"timestamp"`
	IsVoice    bool      `json:"is_voice,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
}

// SpeechResult is a transient transcription event from the capture engine.
// Only a final result with a non-empty transcript becomes a Message.
type SpeechResult struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
}

// VoiceSettings controls speech synthesis playback.
type VoiceSettings struct {
	Voice  string  `json:"voice,omitempty"`
	Rate   float64 `json:"rate,omitempty"`   // 0.5..2.0, default 1.0
	Pitch  float64 `json:"pitch,omitempty"`  // 0.5..2.0, default 1.0
	Volume float64 `json:"volume,omitempty"` // 0..1, default 1.0
}

// PatientInfo carries the structured pain signal gathered during intake.
// Nil pointers mean "not yet assessed" rather than zero values.
type PatientInfo struct {
	PainLevel         *int      `json:"pain_level,omitempty"`
	PainLocation      *string   `json:"pain_location,omitempty"`
	MedicalConditions []string  `json:"medical_conditions,omitempty"`
	SessionStart      time.Time `json:"session_start"`
}

// ConversationContext is the snapshot handed to the Response Generator on
// each turn. It is rebuilt from the message log by the Orchestrator and is
// never mutated by the generator.
type ConversationContext struct {
	Messages    []ContextMessage `json:"messages"`
	PatientInfo *PatientInfo     `json:"patient_info,omitempty"`
	CurrentStep int              `json:"current_step"`
	SessionID   string           `json:"session_id,omitempty"`
}

// ContextMessage is a role-tagged message inside a ConversationContext.
type ContextMessage struct {
	Role      string    `json:"role"` // "user", "assistant", or "system"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PhysioResponse is the Response Generator's output for one turn.
type PhysioResponse struct {
	Text        string  `json:"text"`
	ShouldSpeak bool    `json:"should_speak"`
	Confidence  float64 `json:"confidence"`
	// NextStep is nil when the step should not change.
	NextStep *int `json:"next_step,omitempty"`
}

// PatientSession is the persisted session aggregate. At most one session per
// patient may be open (SessionEnd unset) at a time from this client.
type PatientSession struct {
	ID                string         `json:"id"`
	PatientID         string         `json:"patient_id"`
	SessionStart      time.Time      `json:"session_start"`
	SessionEnd        *time.Time     `json:"session_end,omitempty"`
	PainLevelInitial  *int           `json:"pain_level_initial,omitempty"`
	PainLocation      *string        `json:"pain_location,omitempty"`
	Symptoms          []string       `json:"symptoms,omitempty"`
	CompletedExercise bool           `json:"completed_exercise"`
	ExerciseFeedback  *string        `json:"exercise_feedback,omitempty"`
	PainLevelAfter    *int           `json:"pain_level_after,omitempty"`
	BookingRequested  bool           `json:"booking_requested"`
	BookingID         *string        `json:"booking_id,omitempty"`
	SessionData       map[string]any `json:"session_data,omitempty"`
}

// IsOpen reports whether the session has not been closed yet.
func (s *PatientSession) IsOpen() bool {
	return s.SessionEnd == nil
}

// Validate performs range checks on the session's pain fields.
func (s *PatientSession) Validate() error {
	if s.PainLevelInitial != nil && (*s.PainLevelInitial < MinPainLevel || *s.PainLevelInitial > MaxPainLevel) {
		return ErrInvalidPainLevel
	}
	if s.PainLevelAfter != nil && (*s.PainLevelAfter < MinPainLevel || *s.PainLevelAfter > MaxPainLevel) {
		return ErrInvalidPainLevel
	}
	return nil
}

// SessionUpdate carries a partial update for an open session. Nil fields are
// left unchanged.
type SessionUpdate struct {
	SessionEnd        *time.Time     `json:"session_end,omitempty"`
	PainLevelInitial  *int           `json:"pain_level_initial,omitempty"`
	PainLocation      *string        `json:"pain_location,omitempty"`
	Symptoms          []string       `json:"symptoms,omitempty"`
	CompletedExercise *bool          `json:"completed_exercise,omitempty"`
	ExerciseFeedback  *string        `json:"exercise_feedback,omitempty"`
	PainLevelAfter    *int           `json:"pain_level_after,omitempty"`
	BookingRequested  *bool          `json:"booking_requested,omitempty"`
	BookingID         *string        `json:"booking_id,omitempty"`
	SessionData       map[string]any `json:"session_data,omitempty"`
}

// SessionEndData carries the closing fields written when a session ends.
type SessionEndData struct {
	CompletedExercise bool    `json:"completed_exercise"`
	ExerciseFeedback  *string `json:"exercise_feedback,omitempty"`
	PainLevelAfter    *int    `json:"pain_level_after,omitempty"`
	BookingRequested  bool    `json:"booking_requested"`
	BookingID         *string `json:"booking_id,omitempty"`
}

// PatientInteraction is one append-only log entry tied to a session.
type PatientInteraction struct {
	SessionID       string         `json:"session_id"`
	InteractionType string         `json:"interaction_type"`
	InteractionData map[string]any `json:"interaction_data,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// IntPtr returns a pointer to v. Convenience for optional fields.
func IntPtr(v int) *int { return &v }

// StringPtr returns a pointer to v. Convenience for optional fields.
func StringPtr(v string) *string { return &v }

// BoolPtr returns a pointer to v. Convenience for optional fields.
func BoolPtr(v bool) *bool { return &v }
