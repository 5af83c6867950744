package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitionsFollowDAG(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusInitiated, StatusActive, true},
		{StatusInitiated, StatusEnded, true},
		{StatusActive, StatusPaused, true},
		{StatusPaused, StatusActive, true},
		{StatusActive, StatusError, true},
		{StatusEnded, StatusActive, false},
		{StatusError, StatusActive, false},
		{StatusInitiated, StatusPaused, false},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestUpdateStatusRejectsIllegalTransition(t *testing.T) {
	s := New("call-1")
	s.UpdateStatus(StatusEnded)
	assert.Equal(t, StatusEnded, s.Status)

	// ended -> active is illegal; status must not move.
	s.UpdateStatus(StatusActive)
	assert.Equal(t, StatusEnded, s.Status)
}

func TestStatusCallbacksRunInPriorityOrder(t *testing.T) {
	s := New("call-1")
	var order []string

	s.RegisterStatusCallback(func(old, new Status, s *Session) {
		order = append(order, "low")
	}, 0)
	s.RegisterStatusCallback(func(old, new Status, s *Session) {
		order = append(order, "high")
	}, 10)
	s.RegisterStatusCallback(func(old, new Status, s *Session) {
		order = append(order, "mid")
	}, 5)

	s.UpdateStatus(StatusActive)
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestStatusCallbackPanicIsIsolated(t *testing.T) {
	s := New("call-1")
	ran := false

	s.RegisterStatusCallback(func(old, new Status, s *Session) {
		panic("boom")
	}, 10)
	s.RegisterStatusCallback(func(old, new Status, s *Session) {
		ran = true
	}, 0)

	assert.NotPanics(t, func() {
		s.UpdateStatus(StatusActive)
	})
	assert.True(t, ran)
}

func TestCanResume(t *testing.T) {
	s := New("call-1")
	assert.True(t, s.CanResume(0))

	s.UpdateStatus(StatusEnded)
	assert.False(t, s.CanResume(0))
}

func TestIsExpired(t *testing.T) {
	s := New("call-1")
	s.LastActivity = time.Now().Add(-2 * time.Hour)
	assert.True(t, s.IsExpired(time.Hour))
	assert.False(t, s.IsExpired(3*time.Hour))
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	s := New("call-42")
	s.Caller = "+15551234567"
	s.AddConversationItem(ConversationItem{Role: "user", Content: "hello"})
	s.AddFunctionCall(FunctionCallRecord{Name: "get_balance"})
	s.AudioBuffer = [][]byte{{0x01, 0x02, 0x03}}

	data, err := s.Marshal()
	require.NoError(t, err)

	restored, err := Unmarshal(data, nil)
	require.NoError(t, err)

	assert.Equal(t, s.ConversationID, restored.ConversationID)
	assert.Equal(t, s.Caller, restored.Caller)
	assert.Equal(t, 1, restored.CurrentTurn)
	assert.Len(t, restored.FunctionCalls, 1)
	assert.Equal(t, s.AudioBuffer, restored.AudioBuffer)
}

func TestUnmarshalFallsBackToInitiatedOnUnknownStatus(t *testing.T) {
	raw := []byte(`{"conversation_id":"call-7","status":"bogus"}`)

	var warnings []string
	restored, err := Unmarshal(raw, func(msg string) { warnings = append(warnings, msg) })
	require.NoError(t, err)

	assert.Equal(t, StatusInitiated, restored.Status)
	assert.NotEmpty(t, warnings)
}

func TestUnmarshalRequiresConversationID(t *testing.T) {
	_, err := Unmarshal([]byte(`{"status":"active"}`), nil)
	assert.Error(t, err)
}
