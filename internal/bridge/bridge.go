// Package bridge implements the bridge core (C10): the per-call object
// graph wiring the audio codec (C1), session (C2), recorder (C3),
// transcript manager (C4), function-call handler (C5), AI-service
// session manager and event handler (C6/C9), event router (C7), stream
// handler (C8), and a platform adapter (C11) behind two concurrent
// read loops, grounded on opusagent's TelephonyRealtimeBridge and the
// teacher's SignalWireAudioBridge/AudioStreamBridge pairing.
package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/birddigital/realtime-bridge/internal/aiservice"
	"github.com/birddigital/realtime-bridge/internal/audio"
	"github.com/birddigital/realtime-bridge/internal/calllog"
	"github.com/birddigital/realtime-bridge/internal/config"
	"github.com/birddigital/realtime-bridge/internal/functioncall"
	"github.com/birddigital/realtime-bridge/internal/metrics"
	"github.com/birddigital/realtime-bridge/internal/recorder"
	"github.com/birddigital/realtime-bridge/internal/router"
	"github.com/birddigital/realtime-bridge/internal/session"
	"github.com/birddigital/realtime-bridge/internal/stream"
	"github.com/birddigital/realtime-bridge/internal/transcript"
)

// AIConnDialer opens a fresh AI-service connection for one call.
type AIConnDialer func(ctx context.Context) (aiservice.Conn, error)

// Deps are the services shared across every call a bridge process
// handles, injected once at startup.
type Deps struct {
	Config        config.Bridge
	SessionMgr    *session.Manager
	Metrics       *metrics.Recorder
	Logger        *zap.Logger
	DialAIConn    AIConnDialer
	Functions     map[string]functioncall.Function
	Tools         []aiservice.Tool
	RecordingRoot string
	NewStreamID   stream.IDGenerator
	GreetingText  string

	// CallLog records call dispositions (answered/completed/failed) for
	// operational reporting, per spec.md §4.3's supplemented ledger. Nil
	// disables it entirely.
	CallLog *calllog.Ledger
}

// Call is the live object graph for one phone call. Accept builds one;
// Run drives it until either leg closes.
type Call struct {
	logger *zap.Logger
	deps   Deps

	conversationID string
	sess           *session.Session
	resumed        bool
	answeredAt     time.Time

	platform PlatformConn
	router   *router.Router

	aiConn       aiservice.Conn
	aiSession    *aiservice.Session
	eventHandler *aiservice.EventHandler

	transcriptMgr *transcript.Manager
	fnHandler     *functioncall.Handler
	streamHandler *stream.Handler
	rec           *recorder.Recorder

	hangupMu    sync.Mutex
	hangupTimer *time.Timer

	closeOnce sync.Once
}

// Accept runs the full accept lifecycle from spec.md §4.10 steps 1-4:
// resolve the conversation id, resume or create its session record,
// open the AI-service leg, and start recording. The returned Call is
// ready for Run.
func Accept(ctx context.Context, deps Deps, platform PlatformConn, initEvent map[string]interface{}) (*Call, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	conversationID, _ := initEvent["conversation_id"].(string)
	if conversationID == "" {
		return nil, fmt.Errorf("bridge: session_start event missing conversation_id")
	}

	c := &Call{
		logger:         logger.With(zap.String("conversation_id", conversationID)),
		deps:           deps,
		conversationID: conversationID,
		platform:       platform,
		router:         router.New(logger),
	}

	validation, err := deps.SessionMgr.Validate(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("bridge: validate session: %w", err)
	}

	var sess *session.Session
	if validation.Resumable {
		sess, err = deps.SessionMgr.Resume(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("bridge: resume session: %w", err)
		}
		c.sess = sess
		c.resumed = true
		c.logger.Info("resumed existing session", zap.Int("resumed_count", sess.ResumedCount))
	} else {
		if validation.Reason != "" {
			c.logger.Debug("session not resumable, starting fresh", zap.String("reason", validation.Reason))
		}
		sess, err = deps.SessionMgr.Create(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("bridge: create session: %w", err)
		}
		c.sess = sess
		c.resumed = false
	}

	if mediaFormat, _ := initEvent["media_format"].(string); mediaFormat != "" {
		c.sess.MediaFormat = mediaFormat
	}
	if botName, _ := initEvent["bot_name"].(string); botName != "" {
		c.sess.BotName = botName
	}
	if caller, _ := initEvent["caller"].(string); caller != "" {
		c.sess.Caller = caller
	}

	aiConn, err := deps.DialAIConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial ai service: %w", err)
	}
	c.aiConn = aiConn
	c.aiSession = aiservice.NewSession(aiConn)

	recDir := filepath.Join(deps.RecordingRoot, conversationID)
	rec, err := recorder.Start(recDir, conversationID, c.sess.SessionID, logger)
	if err != nil {
		aiConn.Close()
		return nil, fmt.Errorf("bridge: start recording: %w", err)
	}
	c.rec = rec

	c.transcriptMgr = transcript.New(rec)
	if c.resumed {
		history := make([]transcript.HistoryItem, 0, len(c.sess.ConversationHistory))
		for _, item := range c.sess.ConversationHistory {
			history = append(history, transcript.HistoryItem{Role: item.Role, Content: item.Content})
		}
		c.transcriptMgr.Restore(history)
	}

	c.fnHandler = functioncall.New(aiConn, rec, deps.Config.VoiceID, logger)
	for name, fn := range deps.Functions {
		c.fnHandler.Register(name, fn)
	}
	c.fnHandler.OnHangUpCandidate = c.scheduleHangUp

	c.streamHandler = stream.New(aiConn, platform, rec, deps.Metrics, deps.NewStreamID, audio.Rate(deps.Config.AIAudioSampleRate), logger)
	c.streamHandler.InitializeStream(conversationID, c.sess.MediaFormat)

	c.eventHandler = aiservice.NewEventHandler(c.aiSession, deps.Config.VoiceID, c.buildHooks(), logger)
	c.eventHandler.OnPendingResponseStateChange = func(active bool) {
		if active {
			deps.Metrics.PendingResponseStarted(ctx)
		} else {
			deps.Metrics.PendingResponseEnded(ctx)
		}
	}

	c.registerPlatformHandlers()
	c.registerAIServiceHandlers()

	sessionCfg := aiservice.DefaultSessionConfig(deps.Config.VoiceID, deps.Config.VADEnabled, "", deps.Tools)
	if err := c.aiSession.InitializeSession(ctx, sessionCfg); err != nil {
		c.Close(ctx, "ai session init failed")
		return nil, fmt.Errorf("bridge: initialize ai session: %w", err)
	}

	c.sess.UpdateStatus(session.StatusActive)

	if !c.resumed {
		if err := c.aiSession.SendInitialItem(ctx, deps.GreetingText, deps.Config.VoiceID); err != nil {
			c.Close(ctx, "initial greeting failed")
			return nil, fmt.Errorf("bridge: send initial item: %w", err)
		}
	}

	if err := deps.SessionMgr.Persist(ctx, conversationID); err != nil {
		c.logger.Error("failed to persist session after accept", zap.Error(err))
	}

	c.answeredAt = time.Now()
	if deps.CallLog != nil {
		metadata := map[string]interface{}{
			"bot_name":     c.sess.BotName,
			"caller":       c.sess.Caller,
			"media_format": c.sess.MediaFormat,
			"resumed":      c.resumed,
		}
		if err := deps.CallLog.RecordAnswered(ctx, conversationID, c.answeredAt, metadata); err != nil {
			c.logger.Error("failed to record call answered", zap.Error(err))
		}
	}

	return c, nil
}

func (c *Call) buildHooks() aiservice.Hooks {
	return aiservice.Hooks{
		OnAudioDelta: func(ctx context.Context, base64PCM string) {
			if err := c.streamHandler.HandleOutgoingAudio(ctx, base64PCM); err != nil {
				c.logger.Error("failed to forward outgoing audio", zap.Error(err))
			}
		},
		OnOutputTranscriptDelta: func(ctx context.Context, text string) {
			c.transcriptMgr.AppendDelta(transcript.DirectionBot, text)
		},
		OnOutputTranscriptDone: func(ctx context.Context) {
			rec := c.transcriptMgr.Complete(transcript.DirectionBot, transcript.KindOutput)
			c.sess.AddConversationItem(session.ConversationItem{Role: "assistant", Content: rec.Text})
		},
		OnInputTranscriptDelta: func(ctx context.Context, text string) {
			c.transcriptMgr.AppendDelta(transcript.DirectionCaller, text)
		},
		OnInputTranscriptDone: func(ctx context.Context) {
			rec := c.transcriptMgr.Complete(transcript.DirectionCaller, transcript.KindInput)
			c.sess.AddConversationItem(session.ConversationItem{Role: "user", Content: rec.Text})
		},
		OnFunctionCallDelta: func(ctx context.Context, callID, delta, itemID string, outputIndex int, responseID string) {
			c.fnHandler.HandleArgumentsDelta(callID, delta, itemID, outputIndex, responseID)
		},
		OnFunctionCallDone: func(ctx context.Context, callID, finalArguments string) {
			c.fnHandler.HandleArgumentsDone(ctx, callID, finalArguments)
		},
		OnFunctionCallPreRegister: func(callID, name string, outputIndex int) {
			c.fnHandler.PreRegister(callID, name, outputIndex)
		},
		OnResponseCreated: func(ctx context.Context, responseID string) {
			c.sess.ActiveResponseID = responseID
		},
		OnResponseDone: func(ctx context.Context) {
			c.sess.ActiveResponseID = ""
		},
		OnFatalError: func(ctx context.Context, code, message string) {
			c.logger.Error("fatal ai-service error, ending call", zap.String("code", code), zap.String("message", message))
			c.Close(ctx, fmt.Sprintf("fatal ai-service error: %s", message))
		},
	}
}

// aiServiceEventKinds lists every AI-service event kind
// aiservice.EventHandler.Handle understands, per spec.md §4.9's event
// taxonomy. Routing each through c.router keeps a single receive loop's
// dispatch going through C7 regardless of which leg produced the event.
var aiServiceEventKinds = []string{
	"session.updated", "session.created",
	"input_audio_buffer.speech_started", "input_audio_buffer.speech_stopped", "input_audio_buffer.committed",
	"response.created",
	"response.audio.delta", "response.audio.done",
	"response.audio_transcript.delta", "response.audio_transcript.done",
	"conversation.item.input_audio_transcription.delta", "conversation.item.input_audio_transcription.completed",
	"response.function_call_arguments.delta", "response.function_call_arguments.done",
	"response.output_item.added", "response.done",
	"error",
}

func (c *Call) registerAIServiceHandlers() {
	handle := func(ctx context.Context, evt router.Event) { c.eventHandler.Handle(ctx, evt.Payload) }
	for _, kind := range aiServiceEventKinds {
		c.router.Handle(kind, 0, handle)
	}
}

func (c *Call) registerPlatformHandlers() {
	c.router.Handle("audio_chunk", 0, func(ctx context.Context, evt router.Event) {
		chunk, _ := evt.Payload["audio_chunk"].(string)
		if chunk == "" {
			return
		}
		if err := c.streamHandler.HandleIncomingAudio(ctx, chunk, c.platform.SourceRate()); err != nil {
			c.logger.Error("failed to handle incoming audio", zap.Error(err))
		}
	})

	c.router.Handle("commit", 0, func(ctx context.Context, evt router.Event) {
		if err := c.streamHandler.Commit(ctx); err != nil {
			c.logger.Error("failed to commit input audio buffer", zap.Error(err))
		}
		c.eventHandler.NotifyUserCommit(ctx)
	})

	c.router.Handle("session_end", 0, func(ctx context.Context, evt router.Event) {
		reason, _ := evt.Payload["reason"].(string)
		if reason == "" {
			reason = "platform session end"
		}
		c.Close(ctx, reason)
	})
}

// Run drives the call's two concurrent read loops (spec.md §4.10 step
// 5) until either side closes or ctx is cancelled, then tears the call
// down. A read error on either leg is logged and ends that loop, which
// closes the call; read errors are not returned, so Run returns nil.
func (c *Call) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer c.Close(context.Background(), "read loop exited")
		return c.platformReadLoop(gctx)
	})
	g.Go(func() error {
		defer c.Close(context.Background(), "read loop exited")
		return c.aiReadLoop(gctx)
	})

	err := g.Wait()
	c.Close(context.Background(), "read loop exited")
	return err
}

func (c *Call) platformReadLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frame, err := c.platform.Receive(ctx)
		if err != nil {
			c.logger.Debug("platform read loop exiting", zap.Error(err))
			return nil
		}
		c.sess.UpdateActivity()

		kind, _ := frame["type"].(string)
		c.router.Route(ctx, router.Event{Kind: kind, Payload: frame})
	}
}

func (c *Call) aiReadLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frame, err := c.aiConn.Receive(ctx)
		if err != nil {
			c.logger.Debug("ai read loop exiting", zap.Error(err))
			return nil
		}
		c.sess.UpdateActivity()

		kind, _ := frame["type"].(string)
		c.router.Route(ctx, router.Event{Kind: kind, Payload: frame})
	}
}

// Close idempotently tears the call down: it tells the platform the
// session is ending (best-effort), stops the outbound stream, finalizes
// the recording, closes both sockets, and moves the session to ended.
// Errors during close are logged, never returned; calls after the first
// do nothing.
func (c *Call) Close(ctx context.Context, reason string) {
	c.closeOnce.Do(func() {
		c.cancelHangUp()
		c.logger.Info("closing call", zap.String("reason", reason))

		if err := c.platform.Send(ctx, map[string]interface{}{
			"type":   "session_end",
			"reason": reason,
		}); err != nil {
			c.logger.Debug("failed to send session_end to platform", zap.Error(err))
		}

		if err := c.streamHandler.StopStream(ctx); err != nil {
			c.logger.Error("failed to stop outbound stream", zap.Error(err))
		}

		if err := c.rec.Stop(); err != nil {
			c.logger.Error("failed to finalize recording", zap.Error(err))
		}

		if err := c.aiConn.Close(); err != nil {
			c.logger.Debug("failed to close ai connection", zap.Error(err))
		}
		if err := c.platform.Close(); err != nil {
			c.logger.Debug("failed to close platform connection", zap.Error(err))
		}

		if err := c.deps.SessionMgr.End(ctx, c.conversationID); err != nil {
			c.logger.Error("failed to persist ended session", zap.Error(err))
		}

		if c.deps.CallLog != nil {
			endedAt := time.Now()
			var durationMS int64
			if !c.answeredAt.IsZero() {
				durationMS = endedAt.Sub(c.answeredAt).Milliseconds()
			}
			if isFailureReason(reason) {
				if err := c.deps.CallLog.RecordFailed(ctx, c.conversationID, endedAt, durationMS, reason); err != nil {
					c.logger.Error("failed to record call failed", zap.Error(err))
				}
			} else {
				if err := c.deps.CallLog.RecordCompleted(ctx, c.conversationID, endedAt, durationMS); err != nil {
					c.logger.Error("failed to record call completed", zap.Error(err))
				}
			}
		}
	})
}

// isFailureReason reports whether a Close reason describes an abnormal
// termination rather than a clean hangup, distinguishing
// calllog.DispositionFailed from calllog.DispositionCompleted.
func isFailureReason(reason string) bool {
	return strings.Contains(reason, "failed") || strings.Contains(reason, "fatal") || strings.Contains(reason, "error")
}
