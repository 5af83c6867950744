package audiocodes

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/birddigital/realtime-bridge/internal/audio"
)

// pair spins up a real websocket server/client pair over httptest so
// Conn can be exercised end to end without mocking gorilla internals.
func pair(t *testing.T) (*Conn, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-serverConnCh
	t.Cleanup(func() { serverConn.Close() })

	return New(serverConn, audio.Rate24kHz, nil), clientConn
}

func TestReceiveNormalizesSessionInitiate(t *testing.T) {
	conn, client := pair(t)

	require.NoError(t, client.WriteJSON(map[string]interface{}{
		"type":                  "session.initiate",
		"conversationId":        "conv-1",
		"botName":               "assistant",
		"caller":                "+15551234567",
		"supportedMediaFormats": []string{"raw/lpcm16"},
	}))

	frame, err := conn.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "session_start", frame["type"])
	require.Equal(t, "conv-1", frame["conversation_id"])
	require.Equal(t, "assistant", frame["bot_name"])
	require.Equal(t, "raw/lpcm16", frame["media_format"])
}

func TestReceiveNormalizesChunkAndCommit(t *testing.T) {
	conn, client := pair(t)

	require.NoError(t, client.WriteJSON(map[string]interface{}{
		"type":       "userStream.chunk",
		"audioChunk": "AAEC",
	}))
	frame, err := conn.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "audio_chunk", frame["type"])
	require.Equal(t, "AAEC", frame["audio_chunk"])

	require.NoError(t, client.WriteJSON(map[string]interface{}{"type": "userStream.stop"}))
	frame, err = conn.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "commit", frame["type"])
}

func TestReceiveSkipsUnknownFramesThenReturnsNext(t *testing.T) {
	conn, client := pair(t)

	require.NoError(t, client.WriteJSON(map[string]interface{}{"type": "activities"}))
	require.NoError(t, client.WriteJSON(map[string]interface{}{"type": "session.end", "reason": "caller hung up"}))

	frame, err := conn.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "session_end", frame["type"])
	require.Equal(t, "caller hung up", frame["reason"])
}

func TestSendResamplesOutboundStreamChunkTo16kHz(t *testing.T) {
	conn, client := pair(t)

	pcm24k := make([]byte, 480) // 10ms @ 24kHz PCM16
	require.NoError(t, conn.Send(context.Background(), map[string]interface{}{
		"type":           "stream_chunk",
		"conversationId": "conv-1",
		"streamId":       "stream-1",
		"audioChunk":     base64.StdEncoding.EncodeToString(pcm24k),
	}))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, "playStream.chunk", out["type"])

	wantPCM, err := audio.Resample(pcm24k, audio.Rate24kHz, audio.Rate16kHz)
	require.NoError(t, err)
	wantChunk := base64.StdEncoding.EncodeToString(wantPCM)

	require.Equal(t, wantChunk, out["audioChunk"])
}

func TestSendAcceptedWritesHandshake(t *testing.T) {
	conn, client := pair(t)

	require.NoError(t, conn.SendAccepted("conv-1", "raw/lpcm16"))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, "session.accepted", out["type"])
	require.Equal(t, "conv-1", out["conversationId"])
}
