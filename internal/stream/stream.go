// Package stream implements the audio stream handler (C8): inbound
// commit accounting against the 100ms threshold, and the outbound
// stream_start/stream_chunk/stream_stop lifecycle, grounded on
// opusagent's AudioStreamHandler.
package stream

import (
	"context"
	"encoding/base64"

	"go.uber.org/zap"

	"github.com/birddigital/realtime-bridge/internal/audio"
	"github.com/birddigital/realtime-bridge/internal/metrics"
)

// Sender delivers a frame to the AI service (inbound path) or platform
// adapter (outbound path).
type Sender interface {
	Send(ctx context.Context, frame map[string]interface{}) error
}

// Recorder receives decoded PCM16 for the call recording artifact.
// Optional on both paths; nil is a no-op.
type Recorder interface {
	RecordCallerAudio(pcm []byte)
	RecordBotAudio(pcm []byte)
}

// IDGenerator produces stream ids for the outbound lifecycle. Injected
// so tests don't depend on a random source.
type IDGenerator func() string

// Handler is C8: owns both the inbound commit accounting and the
// outbound stream lifecycle for one call.
type Handler struct {
	aiSender       Sender
	platformSender Sender
	recorder       Recorder
	metrics        *metrics.Recorder
	logger         *zap.Logger
	newStreamID    IDGenerator

	conversationID string
	mediaFormat    string

	chunksSent int
	bytesSent  int

	activeStreamID string
	platformClosed bool

	aiSampleRate audio.Rate
}

// New builds a Handler. aiSender receives inbound frames
// (input_audio_buffer.append/commit); platformSender receives outbound
// frames (stream_start/stream_chunk/stream_stop). aiSampleRate is the AI
// service's configured output rate, used to resample bot audio down to
// 16kHz before it reaches the recorder.
func New(aiSender, platformSender Sender, recorder Recorder, rec *metrics.Recorder, newStreamID IDGenerator, aiSampleRate audio.Rate, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		aiSender:       aiSender,
		platformSender: platformSender,
		recorder:       recorder,
		metrics:        rec,
		logger:         logger,
		newStreamID:    newStreamID,
		aiSampleRate:   aiSampleRate,
	}
}

// InitializeStream resets counters for a new conversation leg.
func (h *Handler) InitializeStream(conversationID, mediaFormat string) {
	h.conversationID = conversationID
	h.mediaFormat = mediaFormat
	h.chunksSent = 0
	h.bytesSent = 0
	h.activeStreamID = ""
	h.platformClosed = false
}

// HandleIncomingAudio decodes base64Chunk, resamples it from
// sourceRate to 16kHz PCM16, pads short frames to the 100ms commit
// threshold, updates the running counters, records caller audio if
// attached, and forwards the (possibly padded) chunk to the AI service.
func (h *Handler) HandleIncomingAudio(ctx context.Context, base64Chunk string, sourceRate audio.Rate) error {
	raw, err := base64.StdEncoding.DecodeString(base64Chunk)
	if err != nil {
		h.logger.Error("failed to decode incoming audio chunk", zap.Error(err))
		return err
	}

	pcm, err := audio.Resample(raw, sourceRate, audio.Rate16kHz)
	if err != nil {
		h.logger.Error("failed to resample incoming audio", zap.Error(err))
		return err
	}

	if len(pcm) < audio.MinCommitBytes {
		h.logger.Debug("padding short inbound chunk with silence", zap.Int("bytes", len(pcm)))
		pcm = audio.PadToMin(pcm, audio.MinCommitBytes)
	}

	h.chunksSent++
	h.bytesSent += len(pcm)

	if h.recorder != nil {
		h.recorder.RecordCallerAudio(pcm)
	}

	encoded := base64.StdEncoding.EncodeToString(pcm)
	return h.aiSender.Send(ctx, map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": encoded,
	})
}

// Commit sends input_audio_buffer.commit only if enough audio has
// accumulated since the last commit/reset; below the threshold it logs
// and skips, recording the suppression in metrics. Either way counters
// reset, matching the original's commit-then-reset behavior.
func (h *Handler) Commit(ctx context.Context) error {
	defer func() {
		h.chunksSent = 0
		h.bytesSent = 0
	}()

	if h.bytesSent < audio.MinCommitBytes {
		h.logger.Warn("skipping audio buffer commit - insufficient audio data",
			zap.Int("bytes", h.bytesSent))
		h.metrics.CommitSuppressed(ctx)
		return nil
	}

	h.logger.Debug("committing audio buffer", zap.Int("chunks", h.chunksSent), zap.Int("bytes", h.bytesSent))
	return h.aiSender.Send(ctx, map[string]interface{}{
		"type": "input_audio_buffer.commit",
	})
}

// HandleOutgoingAudio forwards one decoded AI-service audio delta
// (base64 PCM16 at the AI service's rate) to the platform, opening a
// new outbound stream first if none is active. A closed platform
// socket is tolerated: subsequent chunks are dropped silently rather
// than erroring the whole call.
func (h *Handler) HandleOutgoingAudio(ctx context.Context, base64Chunk string) error {
	if h.platformClosed {
		h.metrics.DroppedFrame(ctx, "outbound", "closed_socket")
		return nil
	}

	if h.activeStreamID == "" {
		streamID := h.newStreamID()
		if err := h.platformSender.Send(ctx, map[string]interface{}{
			"type":           "stream_start",
			"conversationId": h.conversationID,
			"streamId":       streamID,
			"mediaFormat":    h.mediaFormatOrDefault(),
		}); err != nil {
			h.logger.Error("error starting outbound audio stream", zap.Error(err))
			h.platformClosed = true
			h.metrics.DroppedFrame(ctx, "outbound", "stream_start_failed")
			return nil
		}
		h.activeStreamID = streamID
	}

	if h.recorder != nil {
		if raw, err := base64.StdEncoding.DecodeString(base64Chunk); err == nil {
			pcm, err := audio.Resample(raw, h.aiSampleRate, audio.Rate16kHz)
			if err != nil {
				h.logger.Error("failed to resample bot audio for recording", zap.Error(err))
			} else {
				h.recorder.RecordBotAudio(pcm)
			}
		}
	}

	if err := h.platformSender.Send(ctx, map[string]interface{}{
		"type":           "stream_chunk",
		"conversationId": h.conversationID,
		"streamId":       h.activeStreamID,
		"audioChunk":     base64Chunk,
	}); err != nil {
		h.logger.Error("error sending outbound audio chunk", zap.Error(err))
		h.platformClosed = true
		h.metrics.DroppedFrame(ctx, "outbound", "stream_chunk_failed")
	}
	return nil
}

// StopStream closes the active outbound stream, if any.
func (h *Handler) StopStream(ctx context.Context) error {
	if h.activeStreamID == "" {
		return nil
	}
	streamID := h.activeStreamID
	h.activeStreamID = ""

	if h.platformClosed {
		return nil
	}

	if err := h.platformSender.Send(ctx, map[string]interface{}{
		"type":           "stream_stop",
		"conversationId": h.conversationID,
		"streamId":       streamID,
	}); err != nil {
		h.logger.Error("error stopping outbound audio stream", zap.Error(err))
		h.platformClosed = true
	}
	return nil
}

// MarkPlatformClosed tells the handler the platform socket has gone
// away; subsequent outbound chunks are dropped rather than attempted.
func (h *Handler) MarkPlatformClosed() {
	h.platformClosed = true
	h.activeStreamID = ""
}

func (h *Handler) mediaFormatOrDefault() string {
	if h.mediaFormat == "" {
		return "raw/lpcm16"
	}
	return h.mediaFormat
}

// Stats mirrors the original's get_audio_stats for diagnostics/logging.
func (h *Handler) Stats() (chunksSent, bytesSent int) {
	return h.chunksSent, h.bytesSent
}
