// Package functioncall implements the AI-service function-call handler
// (C5): a registry of callable functions, streaming argument
// accumulation keyed by call_id, execution dispatch, and hang-up
// inference, grounded on opusagent's FunctionHandler.
package functioncall

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Result is the dictionary a registered Function returns. next_action
// and context.stage are inspected by ShouldHangUp/HangUpReason per
// spec.md's hang-up inference rules, and transfer_id by HangUpReason.
type Result map[string]interface{}

// Function is a callable registered under a name. Implementations may
// block; Handler always calls them from their own goroutine.
type Function func(ctx context.Context, args map[string]interface{}) (Result, error)

// Sender delivers JSON frames to the AI service connection. It is the
// same shape as aiservice.Conn's send side, kept narrow here so this
// package doesn't import aiservice.
type Sender interface {
	Send(ctx context.Context, frame map[string]interface{}) error
}

// Recorder receives a completed (or failed) function-call record for
// the call log / transcript journal. Optional; nil is a no-op.
type Recorder interface {
	LogFunctionCall(ctx context.Context, name string, args map[string]interface{}, result Result, callID string)
}

type activeCall struct {
	argumentsBuffer string
	itemID          string
	outputIndex     int
	responseID      string
	functionName    string
}

// Handler owns the function registry and in-flight streaming calls for
// one session.
type Handler struct {
	logger   *zap.Logger
	sender   Sender
	recorder Recorder
	voice    string

	// OnHangUpCandidate is invoked synchronously, from the goroutine
	// executing the function, the moment a result indicates the call
	// should end. It does not itself delay or cancel anything: the
	// bridge core owns the 8-second cancellable timer (so a later
	// caller action can still abort it) and calls HangUpReason when it
	// arms that timer. A nil hook means hang-up inference is simply not
	// wired.
	OnHangUpCandidate func(functionName string, result Result)

	// HangUpDelay is the grace period the bridge core should wait
	// before acting on a hang-up candidate, per spec.md §4.5.
	HangUpDelay time.Duration

	mu        sync.Mutex
	functions map[string]Function
	active    map[string]*activeCall
}

// New builds a Handler. voice is forwarded on the response.create sent
// after a non-terminal function call, per spec.md §4.5.
func New(sender Sender, recorder Recorder, voice string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if voice == "" {
		voice = "verse"
	}
	return &Handler{
		logger:      logger,
		sender:      sender,
		recorder:    recorder,
		voice:       voice,
		HangUpDelay: 8 * time.Second,
		functions:   make(map[string]Function),
		active:      make(map[string]*activeCall),
	}
}

// Register adds or replaces a callable under name.
func (h *Handler) Register(name string, fn Function) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.functions[name] = fn
}

// Unregister removes a callable, reporting whether it existed.
func (h *Handler) Unregister(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.functions[name]; !ok {
		return false
	}
	delete(h.functions, name)
	return true
}

// RegisteredNames returns the names of all currently registered functions.
func (h *Handler) RegisteredNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.functions))
	for name := range h.functions {
		names = append(names, name)
	}
	return names
}

// PreRegister records {call_id, name} from a response.output_item.added
// event whose item type is function_call, so later delta events have
// somewhere to attach the function name (spec.md §4.3 / item 124).
func (h *Handler) PreRegister(callID, name string, outputIndex int) {
	if callID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	call, ok := h.active[callID]
	if !ok {
		call = &activeCall{outputIndex: outputIndex}
		h.active[callID] = call
	}
	call.functionName = name
}

// HandleArgumentsDelta accumulates one argument delta for callID.
func (h *Handler) HandleArgumentsDelta(callID, delta, itemID string, outputIndex int, responseID string) {
	if callID == "" {
		h.logger.Warn("function call delta received without call_id")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	call, ok := h.active[callID]
	if !ok {
		call = &activeCall{itemID: itemID, outputIndex: outputIndex, responseID: responseID}
		h.active[callID] = call
	}
	call.argumentsBuffer += delta
}

// HandleArgumentsDone finalizes callID's arguments, dispatches execution
// asynchronously, and always removes the active-call entry before
// returning (spec.md §8 function-call completeness invariant): the entry
// is deleted under the lock before the goroutine is started, which then
// works only from the values copied out of it.
func (h *Handler) HandleArgumentsDone(ctx context.Context, callID, finalArguments string) {
	if callID == "" {
		h.logger.Warn("function call done received without call_id")
		return
	}

	h.mu.Lock()
	call, ok := h.active[callID]
	if !ok {
		h.mu.Unlock()
		h.logger.Error("function call done for unknown call_id", zap.String("call_id", callID))
		return
	}

	argumentsStr := finalArguments
	if argumentsStr == "" {
		argumentsStr = call.argumentsBuffer
	}
	functionName := call.functionName
	itemID := call.itemID
	outputIndex := call.outputIndex
	responseID := call.responseID
	delete(h.active, callID)
	h.mu.Unlock()

	var args map[string]interface{}
	if argumentsStr != "" {
		if err := json.Unmarshal([]byte(argumentsStr), &args); err != nil {
			h.logger.Error("failed to parse function arguments",
				zap.String("call_id", callID), zap.Error(err))
			return
		}
	} else {
		args = map[string]interface{}{}
	}

	if functionName == "" {
		h.logger.Error("no function name found for call_id", zap.String("call_id", callID))
		return
	}

	go h.executeAndRespond(ctx, functionName, args, callID, itemID, outputIndex, responseID)
}

func (h *Handler) executeAndRespond(ctx context.Context, functionName string, args map[string]interface{}, callID, itemID string, outputIndex int, responseID string) {
	h.mu.Lock()
	fn, registered := h.functions[functionName]
	h.mu.Unlock()

	var result Result
	if !registered {
		h.logger.Error("function not registered", zap.String("function", functionName))
		result = Result{"error": fmt.Sprintf("function %q not implemented", functionName)}
	} else {
		r, err := fn(ctx, args)
		if err != nil {
			h.logger.Error("function execution failed", zap.String("function", functionName), zap.Error(err))
			result = Result{"error": err.Error()}
		} else {
			result = r
		}
	}

	if h.recorder != nil {
		h.recorder.LogFunctionCall(ctx, functionName, args, result, callID)
	}

	outputBytes, err := json.Marshal(result)
	if err != nil {
		h.logger.Error("failed to marshal function result", zap.String("function", functionName), zap.Error(err))
		outputBytes = []byte("{}")
	}

	frame := map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(outputBytes),
		},
	}
	if err := h.sender.Send(ctx, frame); err != nil {
		h.logger.Error("failed to send function result", zap.String("function", functionName), zap.Error(err))
		return
	}

	if h.ShouldHangUp(functionName, result) {
		h.logger.Info("function indicates call should end", zap.String("function", functionName))
		if h.OnHangUpCandidate != nil {
			h.OnHangUpCandidate(functionName, result)
		} else {
			h.logger.Warn("no hang-up hook registered - cannot end call", zap.String("function", functionName))
		}
		return
	}

	responseCreate := map[string]interface{}{
		"type": "response.create",
		"response": map[string]interface{}{
			"modalities":         []string{"text", "audio"},
			"output_audio_format": "pcm16",
			"voice":              h.voice,
		},
	}
	if err := h.sender.Send(ctx, responseCreate); err != nil {
		h.logger.Error("failed to trigger response generation", zap.Error(err))
	}
}

// ShouldHangUp reports whether a function result indicates the call
// should be ended, per spec.md §4.5's three rules: explicit
// next_action, a known call-ending function name, or a terminal
// context.stage.
func (h *Handler) ShouldHangUp(functionName string, result Result) bool {
	if nextAction, _ := result["next_action"].(string); nextAction == "end_call" {
		return true
	}

	switch functionName {
	case "wrap_up", "transfer_to_human":
		return true
	}

	if stageContext, ok := result["context"].(map[string]interface{}); ok {
		switch stage, _ := stageContext["stage"].(string); stage {
		case "call_complete", "human_transfer":
			return true
		}
	}
	return false
}

// HangUpReason derives the human-readable reason string for a hang-up,
// matching the original's three cases exactly.
func HangUpReason(functionName string, result Result) string {
	stage := ""
	if stageContext, ok := result["context"].(map[string]interface{}); ok {
		stage, _ = stageContext["stage"].(string)
	}

	switch {
	case functionName == "wrap_up" || stage == "call_complete":
		return "Call completed successfully - all tasks finished"
	case functionName == "transfer_to_human" || stage == "human_transfer":
		transferID, _ := result["transfer_id"].(string)
		return fmt.Sprintf("Transferred to human agent - Reference: %s", transferID)
	default:
		return fmt.Sprintf("Call ended after %s completion", functionName)
	}
}

// Clear drops all in-flight call state, e.g. on session end.
func (h *Handler) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = make(map[string]*activeCall)
}

// ActiveCallIDs returns the call_ids currently accumulating arguments.
func (h *Handler) ActiveCallIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.active))
	for id := range h.active {
		ids = append(ids, id)
	}
	return ids
}
