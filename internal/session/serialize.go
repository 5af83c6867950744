package session

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// record is the storage-wire shape of a Session: audio chunks are
// hex-encoded since the backends store JSON text (Redis values and the
// in-memory backend's byte map), mirroring the Python original's to_dict/from_dict pair.
type record struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id,omitempty"`
	BridgeType     string `json:"bridge_type"`
	BotName        string `json:"bot_name"`
	Caller         string `json:"caller"`
	MediaFormat    string `json:"media_format"`

	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	LastActivity string `json:"last_activity"`
	ResumedCount int    `json:"resumed_count"`

	ConversationHistory []ConversationItem   `json:"conversation_history"`
	CurrentTurn         int                  `json:"current_turn"`
	FunctionCalls       []FunctionCallRecord `json:"function_calls"`

	AudioBuffer   []string               `json:"audio_buffer"`
	AudioMetadata map[string]interface{} `json:"audio_metadata,omitempty"`

	AIServiceSessionID      string `json:"ai_service_session_id,omitempty"`
	AIServiceConversationID string `json:"ai_service_conversation_id,omitempty"`
	ActiveResponseID        string `json:"active_response_id,omitempty"`

	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Marshal serializes the session to its storage representation.
func (s *Session) Marshal() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	audioBuf := make([]string, len(s.AudioBuffer))
	for i, chunk := range s.AudioBuffer {
		audioBuf[i] = hex.EncodeToString(chunk)
	}

	rec := record{
		ConversationID:          s.ConversationID,
		SessionID:               s.SessionID,
		BridgeType:              s.BridgeType,
		BotName:                 s.BotName,
		Caller:                  s.Caller,
		MediaFormat:             s.MediaFormat,
		Status:                  string(s.Status),
		CreatedAt:               s.CreatedAt.Format(time.RFC3339Nano),
		LastActivity:            s.LastActivity.Format(time.RFC3339Nano),
		ResumedCount:            s.ResumedCount,
		ConversationHistory:     s.ConversationHistory,
		CurrentTurn:             s.CurrentTurn,
		FunctionCalls:           s.FunctionCalls,
		AudioBuffer:             audioBuf,
		AudioMetadata:           s.AudioMetadata,
		AIServiceSessionID:      s.AIServiceSessionID,
		AIServiceConversationID: s.AIServiceConversationID,
		ActiveResponseID:        s.ActiveResponseID,
		ErrorCount:              s.ErrorCount,
		LastError:               s.LastError,
		Metadata:                s.Metadata,
	}
	return json.Marshal(rec)
}

// Unmarshal rebuilds a Session from its storage representation. Like
// the original's from_dict, it is tolerant of a missing/unknown status
// (falls back to initiated) and a corrupt audio buffer (falls back to
// empty) rather than failing the whole restore; onWarning, if non-nil,
// is called with a description of each such fallback.
func Unmarshal(data []byte, onWarning func(string)) (*Session, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("session: unmarshal: %w", err)
	}
	if rec.ConversationID == "" {
		return nil, fmt.Errorf("session: unmarshal: conversation_id is required")
	}

	warn := func(msg string) {
		if onWarning != nil {
			onWarning(msg)
		}
	}

	status := Status(rec.Status)
	switch status {
	case StatusInitiated, StatusActive, StatusPaused, StatusEnded, StatusError:
	default:
		warn(fmt.Sprintf("invalid session status %q, falling back to initiated", rec.Status))
		status = StatusInitiated
	}

	createdAt, err := parseTimeOrNow(rec.CreatedAt, warn, "created_at")
	if err != nil {
		return nil, err
	}
	lastActivity, err := parseTimeOrNow(rec.LastActivity, warn, "last_activity")
	if err != nil {
		return nil, err
	}

	audioBuffer := make([][]byte, 0, len(rec.AudioBuffer))
	for _, hexChunk := range rec.AudioBuffer {
		chunk, err := hex.DecodeString(hexChunk)
		if err != nil {
			warn(fmt.Sprintf("failed to decode audio buffer chunk: %v, using empty buffer", err))
			audioBuffer = [][]byte{}
			break
		}
		audioBuffer = append(audioBuffer, chunk)
	}

	s := &Session{
		ConversationID:          rec.ConversationID,
		SessionID:               rec.SessionID,
		BridgeType:              stringOr(rec.BridgeType, "audiocodes"),
		BotName:                 stringOr(rec.BotName, "voice-bot"),
		Caller:                  stringOr(rec.Caller, "unknown"),
		MediaFormat:             stringOr(rec.MediaFormat, "raw/lpcm16"),
		Status:                  status,
		CreatedAt:               createdAt,
		LastActivity:            lastActivity,
		ResumedCount:            rec.ResumedCount,
		ConversationHistory:     rec.ConversationHistory,
		CurrentTurn:             rec.CurrentTurn,
		FunctionCalls:           rec.FunctionCalls,
		AudioBuffer:             audioBuffer,
		AudioMetadata:           orEmptyMap(rec.AudioMetadata),
		AIServiceSessionID:      rec.AIServiceSessionID,
		AIServiceConversationID: rec.AIServiceConversationID,
		ActiveResponseID:        rec.ActiveResponseID,
		ErrorCount:              rec.ErrorCount,
		LastError:               rec.LastError,
		Metadata:                orEmptyMap(rec.Metadata),
	}
	if s.ConversationHistory == nil {
		s.ConversationHistory = []ConversationItem{}
	}
	if s.FunctionCalls == nil {
		s.FunctionCalls = []FunctionCallRecord{}
	}
	return s, nil
}

func parseTimeOrNow(value string, warn func(string), field string) (time.Time, error) {
	if value == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("session: unmarshal: invalid %s: %w", field, err)
	}
	return t, nil
}

func stringOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
