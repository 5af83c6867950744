// Package audiocodes implements a C11 platform adapter for the
// gateway/AudioCodes-style control protocol (session.initiate/
// accepted, userStream.start/chunk/stop, playStream.start/chunk/stop,
// session.end) over 16kHz PCM16 LE mono audio, per spec.md §6 Platform
// A. Grounded on the AudioCodes taxonomy transcribed directly from the
// spec (no teacher/pack file speaks this dialect) but structured the
// way the teacher wraps a *websocket.Conn in pkg/telephony/
// signalwire-audio-bridge.go's SignalWireCallSession.
package audiocodes

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/birddigital/realtime-bridge/internal/audio"
)

// Conn adapts a gorilla websocket.Conn carrying AudioCodes-style JSON
// frames to the bridge core's PlatformConn interface.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	aiSampleRate audio.Rate
}

// New wraps ws for use as the bridge core's platform leg. aiSampleRate
// is the AI service's configured output rate, needed to downsample
// outbound audio to 16kHz before it reaches the platform.
func New(ws *websocket.Conn, aiSampleRate audio.Rate, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{ws: ws, aiSampleRate: aiSampleRate, logger: logger}
}

// SourceRate reports the native rate of userStream.chunk audio.
func (c *Conn) SourceRate() audio.Rate { return audio.Rate16kHz }

// Receive reads one AudioCodes frame and normalizes it to a canonical
// inbound event. Unrecognized or malformed frames are skipped by
// looping to the next read rather than surfaced as an error, per
// spec.md §7's Protocol error policy ("log, ignore the frame,
// continue").
func (c *Conn) Receive(ctx context.Context) (map[string]interface{}, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}

		var raw map[string]interface{}
		if err := json.Unmarshal(data, &raw); err != nil {
			c.logger.Warn("audiocodes: malformed frame", zap.Error(err))
			continue
		}

		kind, _ := raw["type"].(string)
		frame, ok := c.normalizeInbound(kind, raw)
		if !ok {
			c.logger.Debug("audiocodes: ignoring frame", zap.String("type", kind))
			continue
		}
		return frame, nil
	}
}

func (c *Conn) normalizeInbound(kind string, raw map[string]interface{}) (map[string]interface{}, bool) {
	switch kind {
	case "session.initiate":
		mediaFormat := ""
		if formats, ok := raw["supportedMediaFormats"].([]interface{}); ok && len(formats) > 0 {
			mediaFormat, _ = formats[0].(string)
		}
		frame := map[string]interface{}{
			"type":            "session_start",
			"conversation_id": raw["conversationId"],
			"bot_name":        raw["botName"],
			"caller":          raw["caller"],
			"media_format":    mediaFormat,
		}
		return frame, true

	case "userStream.start":
		return map[string]interface{}{"type": "stream_ready", "conversation_id": raw["conversationId"]}, true

	case "userStream.chunk":
		chunk, _ := raw["audioChunk"].(string)
		return map[string]interface{}{"type": "audio_chunk", "audio_chunk": chunk}, true

	case "userStream.stop":
		return map[string]interface{}{"type": "commit"}, true

	case "session.end":
		reason, _ := raw["reason"].(string)
		if reason == "" {
			reason = fmt.Sprintf("session.end (code=%v)", raw["reasonCode"])
		}
		return map[string]interface{}{"type": "session_end", "reason": reason}, true

	default:
		return nil, false
	}
}

// Send translates a canonical outbound bridge frame to its AudioCodes
// wire shape.
func (c *Conn) Send(ctx context.Context, frame map[string]interface{}) error {
	kind, _ := frame["type"].(string)

	var out map[string]interface{}
	switch kind {
	case "stream_start":
		out = map[string]interface{}{
			"type":           "playStream.start",
			"conversationId": frame["conversationId"],
			"streamId":       frame["streamId"],
			"mediaFormat":    frame["mediaFormat"],
		}
	case "stream_chunk":
		base64Chunk, _ := frame["audioChunk"].(string)
		pcm, err := base64.StdEncoding.DecodeString(base64Chunk)
		if err != nil {
			return fmt.Errorf("audiocodes: decode outbound chunk: %w", err)
		}
		resampled, err := audio.Resample(pcm, c.aiSampleRate, audio.Rate16kHz)
		if err != nil {
			return fmt.Errorf("audiocodes: resample outbound chunk: %w", err)
		}
		out = map[string]interface{}{
			"type":           "playStream.chunk",
			"conversationId": frame["conversationId"],
			"streamId":       frame["streamId"],
			"audioChunk":     base64.StdEncoding.EncodeToString(resampled),
		}
	case "stream_stop":
		out = map[string]interface{}{
			"type":           "playStream.stop",
			"conversationId": frame["conversationId"],
			"streamId":       frame["streamId"],
		}
	case "session_end":
		out = map[string]interface{}{
			"type":   "session.end",
			"reason": frame["reason"],
		}
	default:
		c.logger.Warn("audiocodes: dropping unrecognized outbound frame", zap.String("type", kind))
		return nil
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("audiocodes: marshal outbound frame: %w", err)
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// SendAccepted writes the session.accepted handshake reply, the one
// AudioCodes frame the bridge core never originates itself (it is
// sent before Accept builds the call's stream handler).
func (c *Conn) SendAccepted(conversationID, mediaFormat string) error {
	data, err := json.Marshal(map[string]interface{}{
		"type":           "session.accepted",
		"conversationId": conversationID,
		"mediaFormat":    mediaFormat,
	})
	if err != nil {
		return fmt.Errorf("audiocodes: marshal session.accepted: %w", err)
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying websocket connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
