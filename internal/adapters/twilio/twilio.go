// Package twilio implements a C11 platform adapter for the
// cloud-telephony/Twilio-style media-stream protocol (connected,
// start, media, mark, clear, stop) over 8kHz mu-law mono audio, per
// spec.md §6 Platform B. Grounded on the teacher's
// pkg/telephony/signalwire-audio-bridge.go (`handleSignalWireMessage`'s
// event switch is the SignalWire dialect of this same protocol) and
// pkg/telephony/call-handlers.go (TwiML `<Start><Stream>` generation,
// kept here for the handshake that precedes the WebSocket upgrade).
package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/birddigital/realtime-bridge/internal/audio"
)

// Conn adapts a gorilla websocket.Conn carrying Twilio-style media
// stream JSON frames to the bridge core's PlatformConn interface. It
// decodes mu-law to PCM16 on ingress and encodes PCM16 to mu-law on
// egress, since the wire protocol never carries PCM16 directly.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	aiSampleRate audio.Rate
	streamSid    string
	accountSid   string
	callSid      string
}

// New wraps ws for use as the bridge core's platform leg. aiSampleRate
// is the AI service's configured output rate, needed to downsample
// outbound audio to 8kHz before mu-law encoding.
func New(ws *websocket.Conn, aiSampleRate audio.Rate, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{ws: ws, aiSampleRate: aiSampleRate, logger: logger}
}

// SourceRate reports the rate of the PCM16 this adapter hands the
// bridge core after mu-law decoding — still 8kHz, just linear now.
func (c *Conn) SourceRate() audio.Rate { return audio.Rate8kHz }

// Receive reads one Twilio frame and normalizes it to a canonical
// inbound event, decoding mu-law audio payloads to PCM16 along the
// way. Unrecognized or malformed frames are skipped, per spec.md §7's
// Protocol error policy.
func (c *Conn) Receive(ctx context.Context) (map[string]interface{}, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}

		var raw map[string]interface{}
		if err := json.Unmarshal(data, &raw); err != nil {
			c.logger.Warn("twilio: malformed frame", zap.Error(err))
			continue
		}

		kind, _ := raw["event"].(string)
		frame, ok := c.normalizeInbound(kind, raw)
		if !ok {
			c.logger.Debug("twilio: ignoring frame", zap.String("event", kind))
			continue
		}
		return frame, nil
	}
}

func (c *Conn) normalizeInbound(kind string, raw map[string]interface{}) (map[string]interface{}, bool) {
	switch kind {
	case "connected":
		return nil, false

	case "start":
		start, _ := raw["start"].(map[string]interface{})
		if start == nil {
			start = raw
		}
		c.streamSid, _ = start["streamSid"].(string)
		c.accountSid, _ = start["accountSid"].(string)
		c.callSid, _ = start["callSid"].(string)

		return map[string]interface{}{
			"type":            "session_start",
			"conversation_id": c.callSid,
			"caller":          c.accountSid,
			"media_format":    "mulaw/8000",
		}, true

	case "media":
		media, ok := raw["media"].(map[string]interface{})
		if !ok {
			c.logger.Warn("twilio: media event missing payload")
			return nil, false
		}
		if track, ok := media["track"].(string); ok && track != "inbound" {
			return nil, false
		}
		payload, _ := media["payload"].(string)
		mulawBytes, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			c.logger.Warn("twilio: failed to decode media payload", zap.Error(err))
			return nil, false
		}
		pcm := audio.DecodeMulaw(mulawBytes)
		return map[string]interface{}{
			"type":        "audio_chunk",
			"audio_chunk": base64.StdEncoding.EncodeToString(pcm),
		}, true

	case "stop":
		return map[string]interface{}{"type": "session_end", "reason": "twilio stop event"}, true

	case "dtmf":
		return nil, false

	default:
		return nil, false
	}
}

// Send translates a canonical outbound bridge frame to its Twilio wire
// shape, resampling AI-rate PCM16 down to 8kHz and mu-law encoding it.
func (c *Conn) Send(ctx context.Context, frame map[string]interface{}) error {
	kind, _ := frame["type"].(string)

	switch kind {
	case "stream_start":
		// Twilio has no explicit start-of-playback frame; the first
		// media frame is the signal.
		return nil

	case "stream_chunk":
		base64Chunk, _ := frame["audioChunk"].(string)
		pcm, err := base64.StdEncoding.DecodeString(base64Chunk)
		if err != nil {
			return fmt.Errorf("twilio: decode outbound chunk: %w", err)
		}
		narrowband, err := audio.Resample(pcm, c.aiSampleRate, audio.Rate8kHz)
		if err != nil {
			return fmt.Errorf("twilio: resample outbound chunk: %w", err)
		}
		mulawBytes := audio.EncodeMulaw(narrowband)

		out := map[string]interface{}{
			"event":     "media",
			"streamSid": c.streamSid,
			"media": map[string]interface{}{
				"payload": base64.StdEncoding.EncodeToString(mulawBytes),
			},
		}
		return c.writeJSON(out)

	case "stream_stop":
		return c.writeJSON(map[string]interface{}{
			"event":     "mark",
			"streamSid": c.streamSid,
			"mark":      map[string]interface{}{"name": "stream_stop"},
		})

	case "session_end":
		return c.writeJSON(map[string]interface{}{
			"event":     "clear",
			"streamSid": c.streamSid,
		})

	default:
		c.logger.Warn("twilio: dropping unrecognized outbound frame", zap.String("type", kind))
		return nil
	}
}

func (c *Conn) writeJSON(v map[string]interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("twilio: marshal outbound frame: %w", err)
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying websocket connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// twiMLResponse mirrors the teacher's TwiMLResponse/Start/Stream shape
// for the <Start><Stream> handshake that precedes the WebSocket
// upgrade; kept here since the media-stream dialect it announces is
// this adapter's concern, not the deleted HTTP transport layer's.
type twiMLResponse struct {
	XMLName xml.Name   `xml:"Response"`
	Start   twiMLStart `xml:"Start"`
}

type twiMLStart struct {
	XMLName xml.Name      `xml:"Start"`
	Streams []twiMLStream `xml:"Stream"`
}

type twiMLStream struct {
	XMLName xml.Name `xml:"Stream"`
	URL     string   `xml:"url,attr"`
	Track   string   `xml:"track,attr"`
}

// StreamTwiML renders the TwiML instructing Twilio to open a
// bidirectional media stream WebSocket at wsURL.
func StreamTwiML(wsURL string) ([]byte, error) {
	doc := twiMLResponse{
		Start: twiMLStart{
			Streams: []twiMLStream{{URL: wsURL, Track: "both"}},
		},
	}
	return xml.Marshal(doc)
}
