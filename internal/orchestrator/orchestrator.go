// Package orchestrator drives the guided physiotherapy conversation. It owns
// the append-only message transcript, the conversation step, and the pain
// signal gathered during intake, and it coordinates the response generator,
// the voice service, and the session recorder for each turn.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fit4life/physiopipe/internal/models"
	"github.com/fit4life/physiopipe/internal/pain"
	"github.com/fit4life/physiopipe/internal/session"
)

// Welcome texts emitted on boot depending on provider availability.
const (
	WelcomeAIMessage      = "Hello! I'm Fit4Life, your AI physiotherapy assistant. I can help you with pain assessment, exercise recommendations, and guidance. You can type or speak to me - just click the microphone button to start voice interaction."
	WelcomeOfflineMessage = "Hello! I'm Fit4Life, your physiotherapy assistant. I can help you with basic pain assessment and exercise guidance. For enhanced AI features, please add your OpenAI API key to the environment variables."
)

// Turn-level fallback texts used when response generation itself fails.
const (
	TurnFailureMessage = "I'm having trouble processing that right now. Please try again."
	TurnOfflineMessage = "I understand your message. For more detailed AI responses, please add your OpenAI API key to enable enhanced features."
)

// Recorded when intake finds a level but no location.
const unspecifiedLocation = "unspecified"

// Exercise feedback values and the mock follow-up pain levels they map to.
const (
	FeedbackBetter = "better"
	FeedbackPain   = "pain"

	painAfterBetter = 3
	painAfterWorse  = 7
)

// defaultBootDelay is how long Boot waits before the welcome message.
const defaultBootDelay = 1 * time.Second

// appointmentLeadTime is how far ahead a mock booking is scheduled.
const appointmentLeadTime = 14 * 24 * time.Hour

// ResponseGenerator produces assistant replies for conversation turns and
// exercise hand-offs.
type ResponseGenerator interface {
	IsAvailable() bool
	GenerateResponse(ctx context.Context, userMessage string, convCtx models.ConversationContext) (models.PhysioResponse, error)
	GenerateExerciseRecommendation(ctx context.Context, painLevel int, painLocation string) (models.PhysioResponse, error)
}

// SessionRecorder persists session state and interaction events. Implemented
// by session.Manager.
type SessionRecorder interface {
	Start(initial *session.StartData) (*models.PatientSession, error)
	End(endData *models.SessionEndData) error
	Update(update models.SessionUpdate) (*models.PatientSession, error)
	LogInteraction(interactionType string, data map[string]any)
	Current() *models.PatientSession
}

// VoiceService is the capture and synthesis surface the orchestrator drives.
// Implemented by voice.Service.
type VoiceService interface {
	IsSupported() bool
	StartListening(callback func(models.SpeechResult)) error
	StopListening()
	Speak(ctx context.Context, text string, settings models.VoiceSettings) error
}

// BookingConfirmation describes a placeholder referral booking.
type BookingConfirmation struct {
	BookingID   string
	Appointment time.Time
	EmailSent   bool
}

// Opts holds the orchestrator's configuration.
type Opts struct {
	BootDelay     time.Duration
	VoiceSettings models.VoiceSettings
}

// Option configures an Orchestrator.
type Option func(*Opts)

// WithBootDelay overrides the pause before the welcome message.
func WithBootDelay(d time.Duration) Option {
	return func(o *Opts) { o.BootDelay = d }
}

// WithVoiceSettings sets the synthesis settings for spoken replies.
func WithVoiceSettings(s models.VoiceSettings) Option {
	return func(o *Opts) { o.VoiceSettings = s }
}

// Orchestrator serializes conversation turns and mediates between user input,
// the response generator, the voice service, and session persistence.
type Orchestrator struct {
	generator ResponseGenerator
	sessions  SessionRecorder
	voice     VoiceService
	opts      Opts

	// turnMu serializes response generation. Overlapping submissions queue
	// in arrival order rather than failing or interleaving.
	turnMu sync.Mutex

	mu           sync.Mutex
	messages     []models.Message
	currentStep  int
	painLevel    *int
	painLocation *string
	interim      *models.SpeechResult
	processing   bool
}

// New creates an orchestrator around the given collaborators.
func New(generator ResponseGenerator, sessions SessionRecorder, voiceSvc VoiceService, options ...Option) *Orchestrator {
	opts := Opts{BootDelay: defaultBootDelay}
	for _, opt := range options {
		opt(&opts)
	}
	slog.Debug("Orchestrator.New: creating orchestrator",
		"providerAvailable", generator.IsAvailable(), "voiceSupported", voiceSvc.IsSupported(), "bootDelay", opts.BootDelay)
	return &Orchestrator{
		generator: generator,
		sessions:  sessions,
		voice:     voiceSvc,
		opts:      opts,
	}
}

// Boot waits the configured delay and emits the welcome message. The text
// depends on whether the language-model provider is configured.
func (o *Orchestrator) Boot(ctx context.Context) (models.Message, error) {
	select {
	case <-ctx.Done():
		return models.Message{}, ctx.Err()
	case <-time.After(o.opts.BootDelay):
	}

	welcome := WelcomeOfflineMessage
	if o.generator.IsAvailable() {
		welcome = WelcomeAIMessage
	}
	msg := o.addMessage(welcome, models.SenderAgent, false, 0)
	slog.Debug("Orchestrator.Boot: welcome emitted", "aiEnabled", o.generator.IsAvailable())
	return msg, nil
}

// Messages returns a copy of the transcript in insertion order.
func (o *Orchestrator) Messages() []models.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.Message, len(o.messages))
	copy(out, o.messages)
	return out
}

// CurrentStep returns the conversation step.
func (o *Orchestrator) CurrentStep() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentStep
}

// PainLevel returns the intake pain level, or nil before assessment.
func (o *Orchestrator) PainLevel() *int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.painLevel
}

// PainLocation returns the intake pain location, or nil before assessment.
func (o *Orchestrator) PainLocation() *string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.painLocation
}

// InterimTranscript returns the latest non-final speech result, or nil when
// no capture is in flight.
func (o *Orchestrator) InterimTranscript() *models.SpeechResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interim
}

// IsProcessing reports whether a turn is currently being generated.
func (o *Orchestrator) IsProcessing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.processing
}

// HandleUserInput runs one conversation turn: it appends the user message,
// extracts pain information during intake, generates the assistant reply,
// speaks it when appropriate, and advances the step. Turns are serialized;
// a submission arriving while another turn is in flight waits its turn.
// Blank input is ignored and returns a zero Message.
func (o *Orchestrator) HandleUserInput(ctx context.Context, text string, isVoice bool, confidence float64) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, nil
	}

	userMsg, contextEnd := o.appendUserMessage(text, isVoice, confidence)

	info := pain.Extract(text)
	o.recordIntake(info)

	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	o.setProcessing(true)
	defer o.setProcessing(false)

	convCtx := o.buildContext(contextEnd, info)

	resp, err := o.generator.GenerateResponse(ctx, text, convCtx)
	if err != nil {
		slog.Error("Orchestrator.HandleUserInput: response generation failed", "error", err, "messageID", userMsg.ID)
		fallback := TurnOfflineMessage
		if o.generator.IsAvailable() {
			fallback = TurnFailureMessage
		}
		return o.addMessage(fallback, models.SenderAgent, false, 0), nil
	}

	agentMsg := o.addMessage(resp.Text, models.SenderAgent, false, 0)

	o.speakIfEnabled(ctx, resp)
	o.advanceStep(resp.NextStep)

	o.sessions.LogInteraction(models.InteractionProgress, map[string]any{
		"step":                o.CurrentStep(),
		"pain_info_collected": map[string]any{"painLevel": o.PainLevel(), "painLocation": o.PainLocation()},
		"ai_response":         resp.Text,
		"confidence":          resp.Confidence,
	})

	return agentMsg, nil
}

// HandleSpeechResult routes a transcription event. Interim results only
// update the transient transcript; a final result with a non-empty transcript
// is processed as exactly one user turn.
func (o *Orchestrator) HandleSpeechResult(ctx context.Context, result models.SpeechResult) (*models.Message, error) {
	if !result.IsFinal {
		o.mu.Lock()
		o.interim = &result
		o.mu.Unlock()
		return nil, nil
	}

	o.mu.Lock()
	o.interim = nil
	o.mu.Unlock()

	if strings.TrimSpace(result.Transcript) == "" {
		slog.Debug("Orchestrator.HandleSpeechResult: empty final transcript discarded")
		return nil, nil
	}
	msg, err := o.HandleUserInput(ctx, result.Transcript, true, result.Confidence)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// StartVoiceCapture begins listening and feeds recognition events into the
// conversation. Replies to spoken turns are appended to the transcript and
// observable through Messages.
func (o *Orchestrator) StartVoiceCapture(ctx context.Context) error {
	return o.voice.StartListening(func(result models.SpeechResult) {
		if _, err := o.HandleSpeechResult(ctx, result); err != nil {
			slog.Error("Orchestrator.StartVoiceCapture: speech turn failed", "error", err)
		}
	})
}

// StopVoiceCapture stops listening and clears any interim transcript.
func (o *Orchestrator) StopVoiceCapture() {
	o.voice.StopListening()
	o.mu.Lock()
	o.interim = nil
	o.mu.Unlock()
}

// TransitionToExercise hands the conversation over to the exercise phase. It
// records the hand-off, generates a recommendation from the gathered pain
// signal, and moves the conversation to the exercise-ready step.
func (o *Orchestrator) TransitionToExercise(ctx context.Context) (models.Message, error) {
	o.mu.Lock()
	level := o.painLevel
	location := o.painLocation
	exchanged := len(o.messages)
	o.mu.Unlock()

	o.sessions.LogInteraction(models.InteractionTransitionExercise, map[string]any{
		"pain_level":         level,
		"pain_location":      location,
		"messages_exchanged": exchanged,
	})
	o.sessions.LogInteraction(models.InteractionExerciseStart, map[string]any{
		"from_state": "conversation",
	})

	// An unassessed patient still gets a recommendation, pitched at the
	// middle of the scale.
	painLevel := 5
	painLocation := unspecifiedLocation
	if level != nil {
		painLevel = *level
	}
	if location != nil {
		painLocation = *location
	}

	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	resp, err := o.generator.GenerateExerciseRecommendation(ctx, painLevel, painLocation)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to generate exercise recommendation: %w", err)
	}

	msg := o.addMessage(resp.Text, models.SenderAgent, false, 0)
	o.speakIfEnabled(ctx, resp)
	o.advanceStep(models.IntPtr(models.StepExerciseReady))
	return msg, nil
}

// RecordExerciseFeedback records the patient's post-exercise outcome. A
// "better" outcome closes the session; any other outcome escalates to the
// booking flow.
func (o *Orchestrator) RecordExerciseFeedback(ctx context.Context, feedback string) error {
	painAfter := painAfterWorse
	if feedback == FeedbackBetter {
		painAfter = painAfterBetter
	}

	o.sessions.LogInteraction(models.InteractionExerciseFeedback, map[string]any{
		"feedback": feedback,
	})
	o.sessions.LogInteraction(models.InteractionExerciseFeedbackDet, map[string]any{
		"feedback":         feedback,
		"exercise_type":    "neck_mobility",
		"pain_level_after": painAfter,
	})

	if _, err := o.sessions.Update(models.SessionUpdate{
		CompletedExercise: models.BoolPtr(true),
		ExerciseFeedback:  models.StringPtr(feedback),
		PainLevelAfter:    models.IntPtr(painAfter),
	}); err != nil {
		return fmt.Errorf("failed to record exercise outcome: %w", err)
	}

	if feedback == FeedbackBetter {
		slog.Debug("Orchestrator.RecordExerciseFeedback: patient improved, closing session")
		return o.sessions.End(&models.SessionEndData{
			CompletedExercise: true,
			ExerciseFeedback:  models.StringPtr(feedback),
			PainLevelAfter:    models.IntPtr(painAfter),
		})
	}

	o.sessions.LogInteraction(models.InteractionBookingFlowStart, map[string]any{
		"reason": "pain_persists",
	})
	return nil
}

// ConfirmBooking runs the placeholder referral flow: it issues a booking
// reference, records it on the session, and closes the session with the
// booking attached.
func (o *Orchestrator) ConfirmBooking(ctx context.Context) (BookingConfirmation, error) {
	millis := fmt.Sprintf("%d", time.Now().UnixMilli())
	bookingID := "NHS-" + millis[len(millis)-6:]
	appointment := time.Now().Add(appointmentLeadTime)

	o.sessions.LogInteraction(models.InteractionBookingView, map[string]any{
		"booking_id":       bookingID,
		"appointment_date": appointment.Format(time.RFC3339),
	})

	if _, err := o.sessions.Update(models.SessionUpdate{
		BookingRequested: models.BoolPtr(true),
		BookingID:        models.StringPtr(bookingID),
	}); err != nil {
		return BookingConfirmation{}, fmt.Errorf("failed to record booking: %w", err)
	}

	o.sessions.LogInteraction(models.InteractionBookingEmailSent, map[string]any{
		"booking_id": bookingID,
	})
	o.sessions.LogInteraction(models.InteractionBookingComplete, map[string]any{
		"booking_id":      bookingID,
		"email_confirmed": true,
	})

	var feedback *string
	if cur := o.sessions.Current(); cur != nil {
		feedback = cur.ExerciseFeedback
	}
	err := o.sessions.End(&models.SessionEndData{
		CompletedExercise: true,
		ExerciseFeedback:  feedback,
		BookingRequested:  true,
		BookingID:         models.StringPtr(bookingID),
	})
	if err != nil {
		return BookingConfirmation{}, err
	}

	slog.Info("Orchestrator.ConfirmBooking: booking confirmed", "bookingID", bookingID, "appointment", appointment)
	return BookingConfirmation{BookingID: bookingID, Appointment: appointment, EmailSent: true}, nil
}

// Close shuts the conversation down: capture stops and any open session ends.
func (o *Orchestrator) Close() error {
	o.StopVoiceCapture()
	return o.sessions.End(nil)
}

// appendUserMessage adds the user's message to the transcript and returns it
// with the transcript length before the append. That length bounds the
// context for this turn so the new message is not duplicated into history.
func (o *Orchestrator) appendUserMessage(text string, isVoice bool, confidence float64) (models.Message, int) {
	o.mu.Lock()
	contextEnd := len(o.messages)
	o.mu.Unlock()
	msg := o.addMessage(text, models.SenderUser, isVoice, confidence)
	return msg, contextEnd
}

// addMessage appends a message to the transcript and logs it as an
// interaction. Ids are UUIDv7 so they sort in insertion order.
func (o *Orchestrator) addMessage(text string, sender models.Sender, isVoice bool, confidence float64) models.Message {
	msg := models.Message{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Text:       text,
		Sender:     sender,
		Timestamp:  time.Now(),
		IsVoice:    isVoice,
		Confidence: confidence,
	}
	o.mu.Lock()
	o.messages = append(o.messages, msg)
	step := o.currentStep
	o.mu.Unlock()

	o.sessions.LogInteraction(models.InteractionMessage, map[string]any{
		"message":    text,
		"sender":     string(sender),
		"timestamp":  msg.Timestamp.Format(time.RFC3339),
		"step":       step,
		"isVoice":    isVoice,
		"confidence": confidence,
	})
	return msg
}

// recordIntake stores extracted pain information during the intake step and
// persists it to the session. Later extractions never overwrite intake data.
func (o *Orchestrator) recordIntake(info pain.Info) {
	o.mu.Lock()
	if info.PainLevel == nil || o.currentStep != models.StepIntake {
		o.mu.Unlock()
		return
	}
	location := unspecifiedLocation
	if info.PainLocation != nil {
		location = *info.PainLocation
	}
	o.painLevel = info.PainLevel
	o.painLocation = &location
	o.mu.Unlock()

	slog.Debug("Orchestrator.recordIntake: pain information extracted", "painLevel", *info.PainLevel, "painLocation", location)
	if _, err := o.sessions.Update(models.SessionUpdate{
		PainLevelInitial: info.PainLevel,
		PainLocation:     &location,
	}); err != nil {
		slog.Warn("Orchestrator.recordIntake: failed to persist pain information", "error", err)
	}
}

// buildContext rebuilds the generator context from the transcript. Messages
// appended after contextEnd belong to this or later turns and are excluded.
func (o *Orchestrator) buildContext(contextEnd int, info pain.Info) models.ConversationContext {
	o.mu.Lock()
	defer o.mu.Unlock()

	history := make([]models.ContextMessage, 0, contextEnd)
	for _, msg := range o.messages[:contextEnd] {
		role := "assistant"
		if msg.Sender == models.SenderUser {
			role = "user"
		}
		history = append(history, models.ContextMessage{
			Role:      role,
			Content:   msg.Text,
			Timestamp: msg.Timestamp,
		})
	}

	patientInfo := &models.PatientInfo{SessionStart: time.Now()}
	switch {
	case o.painLevel != nil:
		patientInfo.PainLevel = o.painLevel
		patientInfo.PainLocation = o.painLocation
	case info.PainLevel != nil:
		patientInfo.PainLevel = info.PainLevel
		patientInfo.PainLocation = info.PainLocation
	}

	sessionID := ""
	if cur := o.sessions.Current(); cur != nil {
		sessionID = cur.ID
	}

	return models.ConversationContext{
		Messages:    history,
		PatientInfo: patientInfo,
		CurrentStep: o.currentStep,
		SessionID:   sessionID,
	}
}

// speakIfEnabled speaks a reply when the generator asked for it and the
// platform supports synthesis. Synthesis failures never fail the turn.
func (o *Orchestrator) speakIfEnabled(ctx context.Context, resp models.PhysioResponse) {
	if !resp.ShouldSpeak || !o.voice.IsSupported() {
		return
	}
	if err := o.voice.Speak(ctx, resp.Text, o.opts.VoiceSettings); err != nil {
		slog.Error("Orchestrator.speakIfEnabled: speech synthesis failed", "error", err)
	}
}

// advanceStep applies the generator's step decision.
func (o *Orchestrator) advanceStep(nextStep *int) {
	if nextStep == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if *nextStep == o.currentStep {
		return
	}
	slog.Debug("Orchestrator.advanceStep: conversation step advanced", "from", o.currentStep, "to", *nextStep)
	o.currentStep = *nextStep
}

// setProcessing flips the processing flag.
func (o *Orchestrator) setProcessing(v bool) {
	o.mu.Lock()
	o.processing = v
	o.mu.Unlock()
}
