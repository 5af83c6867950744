package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager() *Manager {
	return NewManager(NewMemoryBackend(100), zap.NewNop(), time.Hour, time.Minute)
}

func TestManagerCreateAndGet(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	created, err := m.Create(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, created.Status)

	got, found, err := m.Get(ctx, "call-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Same(t, created, got)
}

func TestManagerCreateIsIdempotent(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	first, err := m.Create(ctx, "call-1")
	require.NoError(t, err)
	second, err := m.Create(ctx, "call-1")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestManagerGetRehydratesFromBackend(t *testing.T) {
	backend := NewMemoryBackend(100)
	m1 := NewManager(backend, zap.NewNop(), time.Hour, time.Minute)
	ctx := context.Background()

	s, err := m1.Create(ctx, "call-1")
	require.NoError(t, err)
	s.Caller = "+15550001111"
	require.NoError(t, m1.Persist(ctx, "call-1"))

	m2 := NewManager(backend, zap.NewNop(), time.Hour, time.Minute)
	got, found, err := m2.Get(ctx, "call-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "+15550001111", got.Caller)
}

func TestManagerResumeBumpsCountAndActivates(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	s, err := m.Create(ctx, "call-1")
	require.NoError(t, err)
	s.UpdateStatus(StatusActive)
	s.UpdateStatus(StatusPaused)
	require.NoError(t, m.Persist(ctx, "call-1"))

	resumed, err := m.Resume(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, resumed.Status)
	assert.Equal(t, 1, resumed.ResumedCount)
}

func TestManagerResumeRejectsEndedSession(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	s, err := m.Create(ctx, "call-1")
	require.NoError(t, err)
	s.UpdateStatus(StatusEnded)
	require.NoError(t, m.Persist(ctx, "call-1"))

	_, err = m.Resume(ctx, "call-1")
	assert.ErrorIs(t, err, ErrNotResumable)
}

func TestManagerResumeRejectsUnknownSession(t *testing.T) {
	m := newTestManager()
	_, err := m.Resume(context.Background(), "never-created")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerResumeRejectsExpiredSession(t *testing.T) {
	m := NewManager(NewMemoryBackend(100), zap.NewNop(), time.Millisecond, time.Minute)
	ctx := context.Background()

	s, err := m.Create(ctx, "call-1")
	require.NoError(t, err)
	s.UpdateStatus(StatusActive)
	s.UpdateStatus(StatusPaused)
	s.LastActivity = time.Now().Add(-time.Hour)
	require.NoError(t, m.Persist(ctx, "call-1"))

	_, err = m.Resume(ctx, "call-1")
	assert.ErrorIs(t, err, ErrNotResumable)
}

func TestManagerEndAndDelete(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.Create(ctx, "call-1")
	require.NoError(t, err)

	require.NoError(t, m.End(ctx, "call-1"))
	s, found, err := m.Get(ctx, "call-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusEnded, s.Status)

	require.NoError(t, m.Delete(ctx, "call-1"))
	_, found, err = m.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManagerCleanupExpired(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	s, err := m.Create(ctx, "stale")
	require.NoError(t, err)
	s.LastActivity = time.Now().Add(-2 * time.Hour)
	require.NoError(t, m.Persist(ctx, "stale"))

	_, err = m.Create(ctx, "fresh")
	require.NoError(t, err)

	n, err := m.CleanupExpired(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, found, err := m.Get(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = m.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestManagerListActiveAndStats(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.Create(ctx, "call-1")
	require.NoError(t, err)
	_, err = m.Create(ctx, "call-2")
	require.NoError(t, err)

	ids, err := m.ListActive(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"call-1", "call-2"}, ids)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats["in_memory_working_set"])
}

func TestManagerValidateReportsReasonForUnknownSession(t *testing.T) {
	m := newTestManager()
	result, err := m.Validate(context.Background(), "never-created")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.False(t, result.Resumable)
	assert.NotEmpty(t, result.Reason)
}

func TestManagerValidateReportsResumableForActiveSession(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	s, err := m.Create(ctx, "call-1")
	require.NoError(t, err)
	s.UpdateStatus(StatusActive)

	result, err := m.Validate(ctx, "call-1")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.True(t, result.Resumable)
	assert.Empty(t, result.Reason)
}

func TestManagerValidateReportsReasonForEndedSession(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	s, err := m.Create(ctx, "call-1")
	require.NoError(t, err)
	s.UpdateStatus(StatusEnded)
	require.NoError(t, m.Persist(ctx, "call-1"))

	result, err := m.Validate(ctx, "call-1")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.False(t, result.Resumable)
	assert.Contains(t, result.Reason, "ended")
}

func TestMemoryBackendStartSweepsExpiredSessions(t *testing.T) {
	backend := NewMemoryBackend(100)
	ctx := context.Background()

	require.NoError(t, backend.Store(ctx, "stale", []byte("1")))
	require.NoError(t, backend.Start(ctx, time.Millisecond, 5*time.Millisecond))
	t.Cleanup(func() { require.NoError(t, backend.Stop()) })

	require.Eventually(t, func() bool {
		_, found, err := backend.Retrieve(ctx, "stale")
		require.NoError(t, err)
		return !found
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryBackendStopHaltsSweep(t *testing.T) {
	backend := NewMemoryBackend(100)
	ctx := context.Background()

	require.NoError(t, backend.Start(ctx, time.Hour, 5*time.Millisecond))
	require.NoError(t, backend.Stop())
	assert.NotPanics(t, func() { require.NoError(t, backend.Stop()) })
}

func TestMemoryBackendEvictsLeastRecentlyTouchedAtCapacity(t *testing.T) {
	backend := NewMemoryBackend(2)
	ctx := context.Background()

	require.NoError(t, backend.Store(ctx, "a", []byte("1")))
	time.Sleep(time.Millisecond)
	require.NoError(t, backend.Store(ctx, "b", []byte("2")))
	time.Sleep(time.Millisecond)
	require.NoError(t, backend.Store(ctx, "c", []byte("3")))

	_, found, err := backend.Retrieve(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found, "oldest entry should have been evicted")

	_, found, err = backend.Retrieve(ctx, "c")
	require.NoError(t, err)
	assert.True(t, found)
}
