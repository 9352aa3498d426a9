package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fit4life/physiopipe/internal/models"
	"github.com/fit4life/physiopipe/internal/store"
)

// failingStore wraps an inner store with injectable failures.
type failingStore struct {
	*store.InMemoryStore
	probeErr       error
	interactionErr error
}

func (f *failingStore) Probe() error {
	if f.probeErr != nil {
		return f.probeErr
	}
	return f.InMemoryStore.Probe()
}

func (f *failingStore) InsertInteraction(i models.PatientInteraction) error {
	if f.interactionErr != nil {
		return f.interactionErr
	}
	return f.InMemoryStore.InsertInteraction(i)
}

func TestStart_CreatesSessionAndLogsStart(t *testing.T) {
	st := store.NewInMemoryStore()
	m := NewManager(st, "patient-1")

	session, err := m.Start(nil)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "patient-1", session.PatientID)
	assert.True(t, session.IsOpen())
	assert.Equal(t, "app_interaction", session.SessionData["started_via"])

	logged := st.Interactions()
	require.Len(t, logged, 1)
	assert.Equal(t, models.InteractionSessionStart, logged[0].InteractionType)
	assert.Equal(t, session.ID, logged[0].SessionID)
	assert.Equal(t, "text", logged[0].InteractionData["method"])
}

func TestStart_WithInitialData(t *testing.T) {
	st := store.NewInMemoryStore()
	m := NewManager(st, "patient-1")

	session, err := m.Start(&StartData{
		PainLevel:    models.IntPtr(7),
		PainLocation: models.StringPtr("neck"),
		Symptoms:     []string{"stiffness"},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, *session.PainLevelInitial)
	assert.Equal(t, "neck", *session.PainLocation)

	logged := st.Interactions()
	require.Len(t, logged, 1)
	assert.Equal(t, "voice", logged[0].InteractionData["method"])
}

func TestStart_NotAuthenticated(t *testing.T) {
	m := NewManager(store.NewInMemoryStore(), "")
	_, err := m.Start(nil)
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
	assert.Nil(t, m.Current())
}

func TestStart_BackendUnavailable(t *testing.T) {
	st := &failingStore{
		InMemoryStore: store.NewInMemoryStore(),
		probeErr:      fmt.Errorf("%w: relation does not exist", models.ErrBackendUnavailable),
	}
	m := NewManager(st, "patient-1")

	_, err := m.Start(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrBackendUnavailable)
	// The error text must point at the setup script, not a generic failure.
	assert.Contains(t, err.Error(), "001_create_patient_tables.sql")
	assert.Nil(t, m.Current())
}

func TestStart_InvalidInitialPainLevel(t *testing.T) {
	m := NewManager(store.NewInMemoryStore(), "patient-1")
	_, err := m.Start(&StartData{PainLevel: models.IntPtr(14)})
	assert.ErrorIs(t, err, models.ErrInvalidPainLevel)
}

func TestStart_ImplicitlyEndsPriorSession(t *testing.T) {
	st := store.NewInMemoryStore()
	m := NewManager(st, "patient-1")

	first, err := m.Start(nil)
	require.NoError(t, err)
	second, err := m.Start(nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// The prior session was closed, not abandoned.
	prior, ok := st.GetSession(first.ID)
	require.True(t, ok)
	assert.False(t, prior.IsOpen())

	var types []string
	for _, i := range st.Interactions() {
		types = append(types, i.InteractionType)
	}
	assert.Equal(t, []string{
		models.InteractionSessionStart,
		models.InteractionSessionEnd,
		models.InteractionSessionStart,
	}, types)
}

func TestEnd_WritesClosingFields(t *testing.T) {
	st := store.NewInMemoryStore()
	m := NewManager(st, "patient-1")
	session, err := m.Start(nil)
	require.NoError(t, err)

	err = m.End(&models.SessionEndData{
		CompletedExercise: true,
		ExerciseFeedback:  models.StringPtr("better"),
		PainLevelAfter:    models.IntPtr(3),
	})
	require.NoError(t, err)
	assert.Nil(t, m.Current())

	stored, ok := st.GetSession(session.ID)
	require.True(t, ok)
	assert.False(t, stored.IsOpen())
	assert.True(t, stored.CompletedExercise)
	assert.Equal(t, "better", *stored.ExerciseFeedback)
	assert.Equal(t, 3, *stored.PainLevelAfter)
}

func TestEnd_NoOpWithoutSession(t *testing.T) {
	m := NewManager(store.NewInMemoryStore(), "patient-1")
	assert.NoError(t, m.End(nil))
}

func TestUpdate_MergesFields(t *testing.T) {
	st := store.NewInMemoryStore()
	m := NewManager(st, "patient-1")
	_, err := m.Start(nil)
	require.NoError(t, err)

	refreshed, err := m.Update(models.SessionUpdate{
		PainLevelInitial: models.IntPtr(6),
		PainLocation:     models.StringPtr("back"),
	})
	require.NoError(t, err)
	require.NotNil(t, refreshed)
	assert.Equal(t, 6, *refreshed.PainLevelInitial)
	// The manager's handle follows the refreshed aggregate.
	assert.Equal(t, 6, *m.Current().PainLevelInitial)
}

func TestUpdate_NoOpWithoutSession(t *testing.T) {
	m := NewManager(store.NewInMemoryStore(), "patient-1")
	refreshed, err := m.Update(models.SessionUpdate{PainLevelInitial: models.IntPtr(5)})
	assert.NoError(t, err)
	assert.Nil(t, refreshed)
}

func TestLogInteraction_DroppedWithoutSession(t *testing.T) {
	st := store.NewInMemoryStore()
	m := NewManager(st, "patient-1")

	m.LogInteraction(models.InteractionMessage, map[string]any{"message": "early"})
	assert.Empty(t, st.Interactions())
}

func TestLogInteraction_NoOpAfterEnd(t *testing.T) {
	st := store.NewInMemoryStore()
	m := NewManager(st, "patient-1")
	_, err := m.Start(nil)
	require.NoError(t, err)
	require.NoError(t, m.End(nil))

	before := len(st.Interactions())
	m.LogInteraction(models.InteractionMessage, map[string]any{"message": "late"})
	assert.Len(t, st.Interactions(), before)

	// A fresh session makes logging effective again.
	_, err = m.Start(nil)
	require.NoError(t, err)
	m.LogInteraction(models.InteractionMessage, map[string]any{"message": "fresh"})
	assert.Len(t, st.Interactions(), before+2) // session_start + message
}

func TestLogInteraction_SwallowsWriteFailures(t *testing.T) {
	st := &failingStore{
		InMemoryStore:  store.NewInMemoryStore(),
		interactionErr: errors.New("disk full"),
	}
	m := NewManager(st, "patient-1")
	_, err := m.Start(nil)
	require.NoError(t, err)

	// Must not panic or surface the error.
	m.LogInteraction(models.InteractionMessage, map[string]any{"message": "hi"})
}
