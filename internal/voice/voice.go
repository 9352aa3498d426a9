// Package voice wraps platform speech capture and synthesis behind a
// capability-checked service. The platform primitives are injected, so the
// service carries no process-wide state and can be driven by test doubles.
//
// Capture and synthesis are independent channels, but each holds at most one
// live handle: starting a new capture stops the prior one, and speaking
// cancels any in-flight utterance.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fit4life/physiopipe/internal/models"
)

// ErrUtteranceCanceled is delivered on an utterance's Done channel when it
// was cancelled before completing.
var ErrUtteranceCanceled = errors.New("utterance canceled")

// Playback setting bounds.
const (
	MinRate   = 0.5
	MaxRate   = 2.0
	MinPitch  = 0.5
	MaxPitch  = 2.0
	MinVolume = 0.0
	MaxVolume = 1.0
)

// Recognizer is the platform speech-capture primitive. Implementations
// deliver every partial or final recognizer event to the callback.
type Recognizer interface {
	// Start begins continuous, interim-enabled transcription.
	Start(callback func(models.SpeechResult)) error
	// Stop ends the capture stream. Must be safe to call when idle.
	Stop()
}

// Utterance is one in-flight synthesis playback.
type Utterance interface {
	// Done delivers exactly one value: nil on completion, an error on
	// synthesis failure or cancellation.
	Done() <-chan error
	Pause()
	Resume()
	Cancel()
}

// Voice describes one synthesis voice in the platform roster.
type Voice struct {
	Name string
	Lang string
}

// Synthesizer is the platform speech-synthesis primitive.
type Synthesizer interface {
	// Speak starts playback of text with the given settings. The voice name
	// in settings is already resolved against the roster.
	Speak(text string, settings models.VoiceSettings) (Utterance, error)
	// Voices enumerates the roster. May be empty, and may populate
	// asynchronously after initial load.
	Voices() []Voice
}

// Capabilities summarizes what the platform offers.
type Capabilities struct {
	SpeechRecognition bool `json:"speech_recognition"`
	SpeechSynthesis   bool `json:"speech_synthesis"`
	Voices            int  `json:"voices"`
}

// Service mediates between the orchestrator and the platform speech
// primitives. Either primitive may be nil; the corresponding channel then
// degrades to unsupported.
type Service struct {
	recognizer  Recognizer
	synthesizer Synthesizer

	mu        sync.Mutex
	listening bool
	current   Utterance
}

// NewService creates a voice service over the given primitives.
func NewService(recognizer Recognizer, synthesizer Synthesizer) *Service {
	slog.Debug("voice.NewService: creating service",
		"hasRecognizer", recognizer != nil, "hasSynthesizer", synthesizer != nil)
	return &Service{recognizer: recognizer, synthesizer: synthesizer}
}

// IsSupported reports whether both capture and synthesis primitives exist.
func (s *Service) IsSupported() bool {
	return s.recognizer != nil && s.synthesizer != nil
}

// Capabilities reports the individual channel capabilities.
func (s *Service) Capabilities() Capabilities {
	return Capabilities{
		SpeechRecognition: s.recognizer != nil,
		SpeechSynthesis:   s.synthesizer != nil,
		Voices:            len(s.AvailableVoices()),
	}
}

// StartListening begins continuous transcription, delivering every partial
// or final recognizer event to callback. A capture session already in
// progress is stopped first; sessions never queue or overlap.
func (s *Service) StartListening(callback func(models.SpeechResult)) error {
	if s.recognizer == nil {
		slog.Error("voice.StartListening: speech recognition not supported")
		return models.ErrSpeechUnsupported
	}

	s.mu.Lock()
	if s.listening {
		slog.Debug("voice.StartListening: stopping prior capture session")
		s.recognizer.Stop()
		s.listening = false
	}
	if err := s.recognizer.Start(callback); err != nil {
		s.mu.Unlock()
		slog.Error("voice.StartListening: recognizer start failed", "error", err)
		return fmt.Errorf("failed to start speech recognition: %w", err)
	}
	s.listening = true
	s.mu.Unlock()

	slog.Debug("voice.StartListening: capture session active")
	return nil
}

// StopListening ends the active capture session and clears the callback.
// Idempotent: calling it with no active session is a no-op.
func (s *Service) StopListening() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.listening {
		return
	}
	s.recognizer.Stop()
	s.listening = false
	slog.Debug("voice.StopListening: capture session stopped")
}

// IsListening reports whether a capture session is active.
func (s *Service) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// Speak plays text aloud and blocks until playback completes, fails, or ctx
// is cancelled. Any in-flight utterance is cancelled before the new one
// starts; at most one utterance plays at a time.
func (s *Service) Speak(ctx context.Context, text string, settings models.VoiceSettings) error {
	if s.synthesizer == nil {
		slog.Error("voice.Speak: speech synthesis not supported")
		return models.ErrSynthesisUnsupported
	}

	applied := s.applySettings(settings)

	s.mu.Lock()
	if s.current != nil {
		slog.Debug("voice.Speak: cancelling in-flight utterance")
		s.current.Cancel()
		s.current = nil
	}
	utterance, err := s.synthesizer.Speak(text, applied)
	if err != nil {
		s.mu.Unlock()
		slog.Error("voice.Speak: synthesis start failed", "error", err)
		return fmt.Errorf("speech synthesis failed: %w", err)
	}
	s.current = utterance
	s.mu.Unlock()

	select {
	case err := <-utterance.Done():
		s.clearUtterance(utterance)
		if err != nil {
			slog.Warn("voice.Speak: playback ended with error", "error", err)
			return fmt.Errorf("speech synthesis failed: %w", err)
		}
		slog.Debug("voice.Speak: playback completed", "textLength", len(text))
		return nil
	case <-ctx.Done():
		utterance.Cancel()
		s.clearUtterance(utterance)
		return ctx.Err()
	}
}

// StopSpeaking cancels the current utterance. No-op when nothing is playing.
func (s *Service) StopSpeaking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return
	}
	s.current.Cancel()
	s.current = nil
	slog.Debug("voice.StopSpeaking: utterance cancelled")
}

// PauseSpeaking pauses the current utterance. No-op when nothing is playing.
func (s *Service) PauseSpeaking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Pause()
	}
}

// ResumeSpeaking resumes a paused utterance. No-op when nothing is playing.
func (s *Service) ResumeSpeaking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Resume()
	}
}

// IsSpeaking reports whether an utterance is in flight.
func (s *Service) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// AvailableVoices enumerates the synthesis roster. Best-effort: an empty
// roster is not an error.
func (s *Service) AvailableVoices() []Voice {
	if s.synthesizer == nil {
		return nil
	}
	return s.synthesizer.Voices()
}

// applySettings fills defaults, clamps ranges, and resolves the voice name
// against the roster. An unknown voice name falls back to the platform
// default rather than failing playback.
func (s *Service) applySettings(settings models.VoiceSettings) models.VoiceSettings {
	if settings.Rate == 0 {
		settings.Rate = 1.0
	}
	if settings.Pitch == 0 {
		settings.Pitch = 1.0
	}
	if settings.Volume == 0 {
		settings.Volume = 1.0
	}
	settings.Rate = clamp(settings.Rate, MinRate, MaxRate)
	settings.Pitch = clamp(settings.Pitch, MinPitch, MaxPitch)
	settings.Volume = clamp(settings.Volume, MinVolume, MaxVolume)
	settings.Voice = s.resolveVoice(settings.Voice)
	return settings
}

// resolveVoice maps a requested voice name to a roster entry. With no
// request, prefer an English female voice, then the first roster entry, then
// the platform default (empty name).
func (s *Service) resolveVoice(name string) string {
	voices := s.AvailableVoices()
	if name != "" {
		for _, v := range voices {
			if v.Name == name {
				return name
			}
		}
		slog.Debug("voice.resolveVoice: requested voice not in roster, using default", "requested", name)
		return ""
	}
	for _, v := range voices {
		if strings.HasPrefix(v.Lang, "en") && strings.Contains(strings.ToLower(v.Name), "female") {
			return v.Name
		}
	}
	if len(voices) > 0 {
		return voices[0].Name
	}
	return ""
}

func (s *Service) clearUtterance(u Utterance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == u {
		s.current = nil
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
