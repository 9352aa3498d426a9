package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fit4life/physiopipe/internal/models"
)

// fakeRecognizer implements Recognizer for testing.
type fakeRecognizer struct {
	callback   func(models.SpeechResult)
	startCalls int
	stopCalls  int
	startErr   error
}

func (f *fakeRecognizer) Start(callback func(models.SpeechResult)) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.callback = callback
	f.startCalls++
	return nil
}

func (f *fakeRecognizer) Stop() {
	f.stopCalls++
	f.callback = nil
}

// fakeUtterance implements Utterance for testing.
type fakeUtterance struct {
	mu       sync.Mutex
	done     chan error
	paused   bool
	resumed  bool
	canceled bool
}

func newFakeUtterance() *fakeUtterance {
	return &fakeUtterance{done: make(chan error, 1)}
}

func (u *fakeUtterance) Done() <-chan error { return u.done }

func (u *fakeUtterance) Pause() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paused = true
}

func (u *fakeUtterance) Resume() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resumed = true
}

func (u *fakeUtterance) Cancel() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.canceled {
		u.canceled = true
		u.done <- ErrUtteranceCanceled
	}
}

func (u *fakeUtterance) complete() { u.done <- nil }

func (u *fakeUtterance) state() (paused, resumed, canceled bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.paused, u.resumed, u.canceled
}

// fakeSynthesizer implements Synthesizer for testing.
type fakeSynthesizer struct {
	mu           sync.Mutex
	voices       []Voice
	utterances   []*fakeUtterance
	lastSettings models.VoiceSettings
	speakErr     error
}

func (f *fakeSynthesizer) Speak(text string, settings models.VoiceSettings) (Utterance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.speakErr != nil {
		return nil, f.speakErr
	}
	f.lastSettings = settings
	u := newFakeUtterance()
	f.utterances = append(f.utterances, u)
	return u, nil
}

func (f *fakeSynthesizer) Voices() []Voice { return f.voices }

func (f *fakeSynthesizer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.utterances)
}

func (f *fakeSynthesizer) utterance(i int) *fakeUtterance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.utterances[i]
}

func (f *fakeSynthesizer) settings() models.VoiceSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSettings
}

func TestIsSupported(t *testing.T) {
	if NewService(nil, nil).IsSupported() {
		t.Error("no primitives: expected unsupported")
	}
	if NewService(&fakeRecognizer{}, nil).IsSupported() {
		t.Error("capture only: expected unsupported")
	}
	if NewService(nil, &fakeSynthesizer{}).IsSupported() {
		t.Error("synthesis only: expected unsupported")
	}
	if !NewService(&fakeRecognizer{}, &fakeSynthesizer{}).IsSupported() {
		t.Error("expected supported with both primitives")
	}
}

func TestCapabilities(t *testing.T) {
	caps := NewService(nil, nil).Capabilities()
	if caps.SpeechRecognition || caps.SpeechSynthesis || caps.Voices != 0 {
		t.Errorf("expected empty capabilities without primitives, got %+v", caps)
	}

	syn := &fakeSynthesizer{voices: []Voice{{Name: "Amy", Lang: "en-GB"}, {Name: "Brian", Lang: "en-GB"}}}
	caps = NewService(&fakeRecognizer{}, syn).Capabilities()
	if !caps.SpeechRecognition || !caps.SpeechSynthesis {
		t.Errorf("expected both channels reported, got %+v", caps)
	}
	if caps.Voices != 2 {
		t.Errorf("expected 2 voices, got %d", caps.Voices)
	}
}

func TestStartListening_Unsupported(t *testing.T) {
	svc := NewService(nil, &fakeSynthesizer{})
	err := svc.StartListening(func(models.SpeechResult) {})
	if !errors.Is(err, models.ErrSpeechUnsupported) {
		t.Errorf("expected ErrSpeechUnsupported, got %v", err)
	}
}

func TestStartListening_ReplacesActiveSession(t *testing.T) {
	rec := &fakeRecognizer{}
	svc := NewService(rec, &fakeSynthesizer{})

	if err := svc.StartListening(func(models.SpeechResult) {}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := svc.StartListening(func(models.SpeechResult) {}); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if rec.stopCalls != 1 {
		t.Errorf("expected prior session stopped once, got %d stops", rec.stopCalls)
	}
	if rec.startCalls != 2 {
		t.Errorf("expected 2 starts, got %d", rec.startCalls)
	}
	if !svc.IsListening() {
		t.Error("expected capture active after restart")
	}
}

func TestStopListening_Idempotent(t *testing.T) {
	rec := &fakeRecognizer{}
	svc := NewService(rec, &fakeSynthesizer{})
	if err := svc.StartListening(func(models.SpeechResult) {}); err != nil {
		t.Fatalf("start: %v", err)
	}

	svc.StopListening()
	svc.StopListening()

	if rec.stopCalls != 1 {
		t.Errorf("second stop must be a no-op, recognizer stopped %d times", rec.stopCalls)
	}
	if svc.IsListening() {
		t.Error("expected capture inactive")
	}
	if rec.callback != nil {
		t.Error("expected callback cleared")
	}
}

func TestSpeak_Completes(t *testing.T) {
	syn := &fakeSynthesizer{}
	svc := NewService(&fakeRecognizer{}, syn)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Speak(context.Background(), "hello patient", models.VoiceSettings{})
	}()

	waitFor(t, func() bool { return syn.count() == 1 })
	syn.utterance(0).complete()

	if err := <-errCh; err != nil {
		t.Fatalf("expected completion, got %v", err)
	}
	if svc.IsSpeaking() {
		t.Error("expected not speaking after completion")
	}
}

func TestSpeak_CancelsInFlightUtterance(t *testing.T) {
	syn := &fakeSynthesizer{}
	svc := NewService(&fakeRecognizer{}, syn)

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- svc.Speak(context.Background(), "first", models.VoiceSettings{})
	}()
	waitFor(t, func() bool { return syn.count() == 1 })

	secondErr := make(chan error, 1)
	go func() {
		secondErr <- svc.Speak(context.Background(), "second", models.VoiceSettings{})
	}()
	waitFor(t, func() bool { return syn.count() == 2 })

	if _, _, canceled := syn.utterance(0).state(); !canceled {
		t.Error("expected first utterance cancelled by second speak")
	}
	if err := <-firstErr; !errors.Is(err, ErrUtteranceCanceled) {
		t.Errorf("expected cancellation error from first speak, got %v", err)
	}

	syn.utterance(1).complete()
	if err := <-secondErr; err != nil {
		t.Errorf("expected second speak to complete, got %v", err)
	}
}

func TestSpeak_Unsupported(t *testing.T) {
	svc := NewService(&fakeRecognizer{}, nil)
	err := svc.Speak(context.Background(), "hello", models.VoiceSettings{})
	if !errors.Is(err, models.ErrSynthesisUnsupported) {
		t.Errorf("expected ErrSynthesisUnsupported, got %v", err)
	}
}

func TestSpeak_SynthesisError(t *testing.T) {
	syn := &fakeSynthesizer{speakErr: errors.New("device busy")}
	svc := NewService(&fakeRecognizer{}, syn)
	err := svc.Speak(context.Background(), "hello", models.VoiceSettings{})
	if err == nil {
		t.Fatal("expected error from failed synthesis")
	}
}

func TestSpeak_SettingsClamped(t *testing.T) {
	syn := &fakeSynthesizer{}
	svc := NewService(&fakeRecognizer{}, syn)

	done := make(chan error, 1)
	go func() {
		done <- svc.Speak(context.Background(), "hi", models.VoiceSettings{Rate: 5.0, Pitch: 0.1, Volume: 2.0})
	}()
	waitFor(t, func() bool { return syn.count() == 1 })
	syn.utterance(0).complete()
	<-done

	applied := syn.settings()
	if applied.Rate != MaxRate {
		t.Errorf("expected rate clamped to %v, got %v", MaxRate, applied.Rate)
	}
	if applied.Pitch != MinPitch {
		t.Errorf("expected pitch clamped to %v, got %v", MinPitch, applied.Pitch)
	}
	if applied.Volume != MaxVolume {
		t.Errorf("expected volume clamped to %v, got %v", MaxVolume, applied.Volume)
	}
}

func TestSpeak_DefaultSettings(t *testing.T) {
	syn := &fakeSynthesizer{}
	svc := NewService(&fakeRecognizer{}, syn)

	done := make(chan error, 1)
	go func() {
		done <- svc.Speak(context.Background(), "hi", models.VoiceSettings{})
	}()
	waitFor(t, func() bool { return syn.count() == 1 })
	syn.utterance(0).complete()
	<-done

	applied := syn.settings()
	if applied.Rate != 1.0 || applied.Pitch != 1.0 || applied.Volume != 1.0 {
		t.Errorf("expected 1.0 defaults, got %+v", applied)
	}
}

func TestResolveVoice(t *testing.T) {
	syn := &fakeSynthesizer{voices: []Voice{
		{Name: "Daniel", Lang: "en-GB"},
		{Name: "Karen Female", Lang: "en-AU"},
	}}
	svc := NewService(nil, syn)

	if got := svc.resolveVoice("Daniel"); got != "Daniel" {
		t.Errorf("named voice: expected Daniel, got %q", got)
	}
	if got := svc.resolveVoice("Ghost"); got != "" {
		t.Errorf("unknown voice must fall back to platform default, got %q", got)
	}
	if got := svc.resolveVoice(""); got != "Karen Female" {
		t.Errorf("default selection: expected English female voice, got %q", got)
	}

	empty := NewService(nil, &fakeSynthesizer{})
	if got := empty.resolveVoice(""); got != "" {
		t.Errorf("empty roster must yield platform default, got %q", got)
	}
}

func TestPauseResumeStop_NoopWhenIdle(t *testing.T) {
	svc := NewService(&fakeRecognizer{}, &fakeSynthesizer{})
	// Must not panic or error with nothing in flight.
	svc.PauseSpeaking()
	svc.ResumeSpeaking()
	svc.StopSpeaking()
}

func TestPauseResume_ActUtterance(t *testing.T) {
	syn := &fakeSynthesizer{}
	svc := NewService(&fakeRecognizer{}, syn)

	done := make(chan error, 1)
	go func() {
		done <- svc.Speak(context.Background(), "hi", models.VoiceSettings{})
	}()
	waitFor(t, func() bool { return syn.count() == 1 })

	svc.PauseSpeaking()
	svc.ResumeSpeaking()
	if paused, resumed, _ := syn.utterance(0).state(); !paused || !resumed {
		t.Error("expected pause and resume forwarded to the current utterance")
	}

	svc.StopSpeaking()
	if _, _, canceled := syn.utterance(0).state(); !canceled {
		t.Error("expected stop to cancel the current utterance")
	}
	<-done
}

// waitFor polls until cond holds or the test deadline is hit.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
