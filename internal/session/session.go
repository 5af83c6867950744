// Package session implements session state and storage (C2): the
// Session type, its lifecycle state machine, status-change callbacks,
// and the Manager and Backend abstractions that persist it across a
// call's resume/pause/end lifecycle.
package session

import (
	"sort"
	"sync"
	"time"
)

// Status is a session's position in the lifecycle state machine.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusEnded     Status = "ended"
	StatusError     Status = "error"
)

// validTransitions encodes the DAG from spec.md §2: initiated->active,
// active<->paused, and any non-terminal state -> ended or error.
var validTransitions = map[Status]map[Status]bool{
	StatusInitiated: {StatusActive: true, StatusEnded: true, StatusError: true},
	StatusActive:    {StatusPaused: true, StatusEnded: true, StatusError: true},
	StatusPaused:    {StatusActive: true, StatusEnded: true, StatusError: true},
	StatusEnded:     {},
	StatusError:     {},
}

// CanTransition reports whether moving from from to to is legal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return validTransitions[from][to]
}

// StatusCallback observes a session status transition. Callbacks run
// synchronously, highest priority first, with panics and errors isolated
// so one misbehaving callback can't break the others.
type StatusCallback func(old, new Status, s *Session)

type registeredCallback struct {
	priority int
	cb       StatusCallback
}

// ConversationItem is one entry of recorded conversation history.
type ConversationItem struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// FunctionCallRecord is one completed function call kept for audit.
type FunctionCallRecord struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Session is the comprehensive, serializable state of one call, per
// spec.md §2. Its methods hold mu for the duration and keep
// LastActivity/Status in sync; exported fields such as Caller,
// MediaFormat and ActiveResponseID are also assigned directly by
// callers, and those writes do not take mu.
type Session struct {
	mu sync.Mutex

	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id,omitempty"`
	BridgeType     string `json:"bridge_type"`
	BotName        string `json:"bot_name"`
	Caller         string `json:"caller"`
	MediaFormat    string `json:"media_format"`

	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ResumedCount int       `json:"resumed_count"`

	ConversationHistory []ConversationItem    `json:"conversation_history"`
	CurrentTurn         int                   `json:"current_turn"`
	FunctionCalls       []FunctionCallRecord  `json:"function_calls"`

	AudioBuffer   [][]byte               `json:"audio_buffer"`
	AudioMetadata map[string]interface{} `json:"audio_metadata,omitempty"`

	AIServiceSessionID      string `json:"ai_service_session_id,omitempty"`
	AIServiceConversationID string `json:"ai_service_conversation_id,omitempty"`
	ActiveResponseID        string `json:"active_response_id,omitempty"`

	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	callbacks []registeredCallback `json:"-"`
}

// New creates a fresh session in the initiated state.
func New(conversationID string) *Session {
	now := time.Now()
	return &Session{
		ConversationID:      conversationID,
		BridgeType:          "audiocodes",
		BotName:             "voice-bot",
		Caller:              "unknown",
		MediaFormat:         "raw/lpcm16",
		Status:              StatusInitiated,
		CreatedAt:           now,
		LastActivity:        now,
		ConversationHistory: []ConversationItem{},
		FunctionCalls:       []FunctionCallRecord{},
		AudioBuffer:         [][]byte{},
		AudioMetadata:       map[string]interface{}{},
		Metadata:            map[string]interface{}{},
	}
}

// UpdateActivity stamps LastActivity with the current time.
func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateActivityLocked()
}

func (s *Session) updateActivityLocked() {
	s.LastActivity = time.Now()
}

// AddConversationItem appends item to the history, advances the turn
// counter, and refreshes activity.
func (s *Session) AddConversationItem(item ConversationItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now()
	}
	s.ConversationHistory = append(s.ConversationHistory, item)
	s.CurrentTurn++
	s.updateActivityLocked()
}

// AddFunctionCall records a completed function call for audit.
func (s *Session) AddFunctionCall(rec FunctionCallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	s.FunctionCalls = append(s.FunctionCalls, rec)
	s.updateActivityLocked()
}

// SetError moves the session into the error state and records the
// message and a bumped error count.
func (s *Session) SetError(message string) {
	s.mu.Lock()
	s.LastError = message
	s.ErrorCount++
	s.mu.Unlock()
	s.UpdateStatus(StatusError)
}

// IsExpired reports whether LastActivity is older than maxAge.
func (s *Session) IsExpired(maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.LastActivity) > maxAge
}

// CanResume reports whether the session's status allows resumption and,
// when maxAge is non-zero, that it hasn't expired.
func (s *Session) CanResume(maxAge time.Duration) bool {
	s.mu.Lock()
	status := s.Status
	s.mu.Unlock()

	if status == StatusEnded || status == StatusError {
		return false
	}
	if maxAge > 0 && s.IsExpired(maxAge) {
		return false
	}
	return true
}

// RegisterStatusCallback registers cb to run on every future status
// transition. Callbacks with a higher priority run first; ties preserve
// registration order.
func (s *Session) RegisterStatusCallback(cb StatusCallback, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, registeredCallback{priority: priority, cb: cb})
	sort.SliceStable(s.callbacks, func(i, j int) bool {
		return s.callbacks[i].priority > s.callbacks[j].priority
	})
}

// UpdateStatus transitions the session to newStatus, refreshing activity
// and invoking registered callbacks, if the transition is a no-op or
// legal per the state DAG. An illegal transition is dropped silently
// (callers that care should check CanTransition first); this mirrors the
// teacher's permissive status setter while keeping the DAG enforced for
// the callers that go through Manager.
func (s *Session) UpdateStatus(newStatus Status) {
	s.mu.Lock()
	old := s.Status
	if old == newStatus {
		s.mu.Unlock()
		return
	}
	if !CanTransition(old, newStatus) {
		s.mu.Unlock()
		return
	}
	s.Status = newStatus
	s.updateActivityLocked()
	callbacks := append([]registeredCallback(nil), s.callbacks...)
	s.mu.Unlock()

	runStatusCallbacks(callbacks, old, newStatus, s)
}

func runStatusCallbacks(callbacks []registeredCallback, old, new Status, s *Session) {
	for _, rc := range callbacks {
		invokeCallback(rc.cb, old, new, s)
	}
}

// invokeCallback runs cb with panic isolation so one bad callback can't
// break the others or the caller.
func invokeCallback(cb StatusCallback, old, new Status, s *Session) {
	defer func() {
		_ = recover()
	}()
	cb(old, new, s)
}
