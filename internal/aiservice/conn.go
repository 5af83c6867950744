// Package aiservice implements the AI-service session manager (C6) and
// event handler (C9): the outbound session-configuration/response
// operations and the inbound event taxonomy dispatch, grounded on
// opusagent's dual_agent_bridge session setup and the conversational
// event switch its bridges run on every inbound frame.
package aiservice

import "context"

// Conn is the bidirectional JSON-frame channel to the AI service. The
// bridge core obtains one per call from the injected Deps.DialAIConn;
// this module ships no concrete implementation, and this package only
// depends on the interface, per SPEC_FULL.md's decision not
// to hard-wire a specific AI vendor SDK.
type Conn interface {
	Send(ctx context.Context, frame map[string]interface{}) error
	Receive(ctx context.Context) (map[string]interface{}, error)
	Close() error
}

// SessionConfig parameterises initialize_session, per spec.md §4.2.
type SessionConfig struct {
	Modalities            []string `json:"modalities"`
	Voice                 string   `json:"voice"`
	InputAudioFormat      string   `json:"input_audio_format"`
	OutputAudioFormat     string   `json:"output_audio_format"`
	Temperature           float64  `json:"temperature"`
	MaxResponseOutputTokens int    `json:"max_response_output_tokens,omitempty"`
	TurnDetection         *TurnDetection `json:"turn_detection,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	Tools                 []Tool   `json:"tools,omitempty"`
	Instructions          string   `json:"instructions,omitempty"`
}

// TurnDetection configures server-side voice-activity-driven turn
// taking, per spec.md §6 vad_enabled.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// TranscriptionConfig names the model used for input-audio transcription.
type TranscriptionConfig struct {
	Model string `json:"model"`
}

// Tool is one entry of the function-call tool catalogue advertised to
// the AI service, mirrored from the functioncall registry by the
// bridge core.
type Tool struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// DefaultSessionConfig returns the baseline configuration for a
// PCM16, VAD-enabled session at the bridge's configured voice/model,
// per spec.md §4.2 and §6.
func DefaultSessionConfig(voice string, vadEnabled bool, transcriptionModel string, tools []Tool) SessionConfig {
	cfg := SessionConfig{
		Modalities:              []string{"text", "audio"},
		Voice:                   voice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		Temperature:             0.8,
		MaxResponseOutputTokens: 4096,
		Tools:                   tools,
	}
	if vadEnabled {
		cfg.TurnDetection = &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 200,
		}
	}
	if transcriptionModel != "" {
		cfg.InputAudioTranscription = &TranscriptionConfig{Model: transcriptionModel}
	}
	return cfg
}

// Session is the C6 session manager: the thin set of outbound
// operations the bridge core needs against the AI-service connection.
type Session struct {
	conn Conn
}

// NewSession wraps conn with the session-manager operations.
func NewSession(conn Conn) *Session {
	return &Session{conn: conn}
}

// InitializeSession sends the session-configuration event that must
// precede any other traffic on a fresh connection.
func (s *Session) InitializeSession(ctx context.Context, cfg SessionConfig) error {
	return s.conn.Send(ctx, map[string]interface{}{
		"type":    "session.update",
		"session": cfg,
	})
}

// CreateResponse triggers a new assistant response using the same
// modalities/voice as the session configuration.
func (s *Session) CreateResponse(ctx context.Context, voice string) error {
	return s.conn.Send(ctx, map[string]interface{}{
		"type": "response.create",
		"response": map[string]interface{}{
			"modalities":          []string{"text", "audio"},
			"output_audio_format": "pcm16",
			"temperature":         0.8,
			"max_output_tokens":   4096,
			"voice":               voice,
		},
	})
}

// SendInitialItem seeds the conversation with a system-role item
// carrying text, then immediately requests a response so the agent
// greets the caller without waiting for caller audio.
func (s *Session) SendInitialItem(ctx context.Context, text, voice string) error {
	if err := s.conn.Send(ctx, map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type": "message",
			"role": "system",
			"content": []map[string]interface{}{
				{"type": "input_text", "text": text},
			},
		},
	}); err != nil {
		return err
	}
	return s.CreateResponse(ctx, voice)
}
