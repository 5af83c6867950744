package aiservice

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Hooks are the bridge core's callbacks for each event the taxonomy in
// spec.md §4.9 can produce. Every hook is optional; a nil hook means
// that event kind is simply not wired for the call.
type Hooks struct {
	OnAudioDelta          func(ctx context.Context, base64PCM string)
	OnAudioDone           func(ctx context.Context)
	OnOutputTranscriptDelta func(ctx context.Context, text string)
	OnOutputTranscriptDone  func(ctx context.Context)
	OnInputTranscriptDelta  func(ctx context.Context, text string)
	OnInputTranscriptDone   func(ctx context.Context)
	OnFunctionCallDelta   func(ctx context.Context, callID, delta, itemID string, outputIndex int, responseID string)
	OnFunctionCallDone    func(ctx context.Context, callID, finalArguments string)
	OnFunctionCallPreRegister func(callID, name string, outputIndex int)
	OnResponseCreated     func(ctx context.Context, responseID string)
	OnResponseDone        func(ctx context.Context)
	OnFatalError          func(ctx context.Context, code, message string)
}

// severityFatal names the error severities that end the session, per
// SPEC_FULL.md's resolution of spec.md §9's open question: only
// "critical" is treated as fatal, everything else is logged and the
// call continues.
const severityFatal = "critical"

// EventHandler is C9: the receive-loop dispatcher enforcing the
// response serialisation invariant (at most one active response) while
// routing each event kind to its Hooks callback.
type EventHandler struct {
	hooks  Hooks
	voice  string
	conn   *Session
	logger *zap.Logger

	mu               sync.Mutex
	responseActive   bool
	activeResponseID string
	pendingUserInput bool

	// OnPendingResponseStateChange reports entering/leaving the
	// single-slot pending-commit window, for internal/metrics.
	OnPendingResponseStateChange func(active bool)
}

// NewEventHandler builds an EventHandler. conn is used to issue the
// deferred create_response() call when a commit was queued while a
// response was active; voice is forwarded to that call.
func NewEventHandler(conn *Session, voice string, hooks Hooks, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{hooks: hooks, voice: voice, conn: conn, logger: logger}
}

// NotifyUserCommit records that the platform committed user audio. If a
// response is currently active, the commit is remembered as a
// single-slot pending marker and acted on once response.done arrives;
// otherwise it's a no-op, since the AI service's own turn detection (or
// an explicit immediate create_response by the caller) handles the
// common case.
func (h *EventHandler) NotifyUserCommit(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.responseActive {
		if !h.pendingUserInput {
			h.pendingUserInput = true
			if h.OnPendingResponseStateChange != nil {
				h.OnPendingResponseStateChange(true)
			}
		}
	}
}

// Handle dispatches one decoded AI-service frame.
func (h *EventHandler) Handle(ctx context.Context, event map[string]interface{}) {
	kind, _ := event["type"].(string)

	switch kind {
	case "session.updated", "session.created":
		h.logger.Debug("ai-service session event", zap.String("type", kind))

	case "input_audio_buffer.speech_started", "input_audio_buffer.speech_stopped", "input_audio_buffer.committed":
		h.logger.Debug("ai-service input buffer event", zap.String("type", kind))

	case "response.created":
		responseID, _ := event["response_id"].(string)
		h.mu.Lock()
		h.responseActive = true
		h.activeResponseID = responseID
		h.mu.Unlock()
		if h.hooks.OnResponseCreated != nil {
			h.hooks.OnResponseCreated(ctx, responseID)
		}

	case "response.audio.delta":
		if h.hooks.OnAudioDelta != nil {
			delta, _ := event["delta"].(string)
			h.hooks.OnAudioDelta(ctx, delta)
		}

	case "response.audio.done":
		if h.hooks.OnAudioDone != nil {
			h.hooks.OnAudioDone(ctx)
		}

	case "response.audio_transcript.delta":
		if h.hooks.OnOutputTranscriptDelta != nil {
			text, _ := event["delta"].(string)
			h.hooks.OnOutputTranscriptDelta(ctx, text)
		}

	case "response.audio_transcript.done":
		if h.hooks.OnOutputTranscriptDone != nil {
			h.hooks.OnOutputTranscriptDone(ctx)
		}

	case "conversation.item.input_audio_transcription.delta":
		if h.hooks.OnInputTranscriptDelta != nil {
			text, _ := event["delta"].(string)
			h.hooks.OnInputTranscriptDelta(ctx, text)
		}

	case "conversation.item.input_audio_transcription.completed":
		if h.hooks.OnInputTranscriptDone != nil {
			h.hooks.OnInputTranscriptDone(ctx)
		}

	case "response.function_call_arguments.delta":
		if h.hooks.OnFunctionCallDelta != nil {
			callID, _ := event["call_id"].(string)
			delta, _ := event["delta"].(string)
			itemID, _ := event["item_id"].(string)
			outputIndex := eventInt(event, "output_index")
			responseID, _ := event["response_id"].(string)
			h.hooks.OnFunctionCallDelta(ctx, callID, delta, itemID, outputIndex, responseID)
		}

	case "response.function_call_arguments.done":
		if h.hooks.OnFunctionCallDone != nil {
			callID, _ := event["call_id"].(string)
			finalArguments, _ := event["arguments"].(string)
			h.hooks.OnFunctionCallDone(ctx, callID, finalArguments)
		}

	case "response.output_item.added":
		h.handleOutputItemAdded(event)

	case "response.done":
		h.handleResponseDone(ctx)

	case "error":
		h.handleError(ctx, event)

	default:
		h.logger.Debug("unhandled ai-service event kind", zap.String("type", kind))
	}
}

func (h *EventHandler) handleOutputItemAdded(event map[string]interface{}) {
	item, ok := event["item"].(map[string]interface{})
	if !ok {
		return
	}
	itemType, _ := item["type"].(string)
	if itemType != "function_call" {
		return
	}
	callID, _ := item["call_id"].(string)
	name, _ := item["name"].(string)
	outputIndex := eventInt(event, "output_index")

	if h.hooks.OnFunctionCallPreRegister != nil {
		h.hooks.OnFunctionCallPreRegister(callID, name, outputIndex)
	}
}

// eventInt reads an integer field out of a decoded JSON event map.
// encoding/json unmarshals all numbers into interface{} as float64, so
// a plain type assertion to int always fails silently; this converts
// from the actual runtime type instead.
func eventInt(event map[string]interface{}, key string) int {
	if v, ok := event[key].(float64); ok {
		return int(v)
	}
	return 0
}

func (h *EventHandler) handleResponseDone(ctx context.Context) {
	h.mu.Lock()
	h.responseActive = false
	h.activeResponseID = ""
	firePending := h.pendingUserInput
	h.pendingUserInput = false
	h.mu.Unlock()

	if firePending && h.OnPendingResponseStateChange != nil {
		h.OnPendingResponseStateChange(false)
	}

	if h.hooks.OnResponseDone != nil {
		h.hooks.OnResponseDone(ctx)
	}

	if firePending && h.conn != nil {
		if err := h.conn.CreateResponse(ctx, h.voice); err != nil {
			h.logger.Error("failed to trigger deferred response after pending commit", zap.Error(err))
		}
	}
}

func (h *EventHandler) handleError(ctx context.Context, event map[string]interface{}) {
	errData, _ := event["error"].(map[string]interface{})
	code, _ := errData["code"].(string)
	message, _ := errData["message"].(string)
	severity, _ := errData["severity"].(string)

	h.logger.Error("ai-service error event",
		zap.String("code", code), zap.String("message", message), zap.String("severity", severity))

	if severity == severityFatal && h.hooks.OnFatalError != nil {
		h.hooks.OnFatalError(ctx, code, message)
	}
}

// ResponseActive reports whether a response is currently in flight.
func (h *EventHandler) ResponseActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.responseActive
}
