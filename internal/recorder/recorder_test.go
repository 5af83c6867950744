package recorder

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birddigital/realtime-bridge/internal/functioncall"
	"github.com/birddigital/realtime-bridge/internal/transcript"
)

func pcm16(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestStartCreatesAllThreeStreamingWAVFiles(t *testing.T) {
	dir := t.TempDir()
	r, err := Start(dir, "conv-1", "sess-1", nil)
	require.NoError(t, err)
	require.NoError(t, r.Stop())

	for _, name := range []string{"caller.wav", "bot.wav", "stereo.wav"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoErrorf(t, err, "expected %s to exist", name)
	}
}

func TestStopProducesFinalStereoMixdownZeroPaddedToLongerSide(t *testing.T) {
	dir := t.TempDir()
	r, err := Start(dir, "conv-1", "sess-1", nil)
	require.NoError(t, err)

	r.RecordCallerAudio(pcm16(1, 2, 3))
	r.RecordBotAudio(pcm16(10, 20))

	require.NoError(t, r.Stop())

	info, err := os.Stat(filepath.Join(dir, "final_stereo.wav"))
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	r, err := Start(dir, "conv-1", "sess-1", nil)
	require.NoError(t, err)

	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
}

func TestRecordAfterStopIsANoOp(t *testing.T) {
	dir := t.TempDir()
	r, err := Start(dir, "conv-1", "sess-1", nil)
	require.NoError(t, err)
	require.NoError(t, r.Stop())

	assert.NotPanics(t, func() {
		r.RecordCallerAudio(pcm16(1, 2, 3))
		r.RecordBotAudio(pcm16(4, 5, 6))
		r.LogTranscript(transcript.Record{Channel: transcript.DirectionCaller, Kind: transcript.KindInput, Text: "hi"})
		r.LogFunctionCall(context.Background(), "lookup", nil, functioncall.Result{}, "call-1")
	})
}

func TestMetadataJSONReflectsAudioAndTranscriptCounts(t *testing.T) {
	dir := t.TempDir()
	r, err := Start(dir, "conv-1", "sess-1", nil)
	require.NoError(t, err)

	r.RecordCallerAudio(pcm16(1, 2))
	r.RecordBotAudio(pcm16(3, 4, 5))
	r.LogTranscript(transcript.Record{Channel: transcript.DirectionCaller, Kind: transcript.KindInput, Text: "hello"})

	require.NoError(t, r.Stop())

	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	require.NoError(t, err)

	var meta callMetadata
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "conv-1", meta.ConversationID)
	assert.Equal(t, 4, meta.CallerAudioBytes)
	assert.Equal(t, 6, meta.BotAudioBytes)
	assert.Equal(t, 1, meta.TranscriptEntries)
	require.NotNil(t, meta.EndTime)
}

func TestEventsJSONCapturesFunctionCalls(t *testing.T) {
	dir := t.TempDir()
	r, err := Start(dir, "conv-1", "sess-1", nil)
	require.NoError(t, err)

	r.LogFunctionCall(context.Background(), "wrap_up", map[string]interface{}{"account_id": "1"},
		functioncall.Result{"next_action": "end_call"}, "call-42")

	require.NoError(t, r.Stop())

	data, err := os.ReadFile(filepath.Join(dir, "events.json"))
	require.NoError(t, err)

	var events []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "function_call", events[0]["event_type"])
}

func TestTranscriptJSONFlushesLoggedRecords(t *testing.T) {
	dir := t.TempDir()
	r, err := Start(dir, "conv-1", "sess-1", nil)
	require.NoError(t, err)

	r.LogTranscript(transcript.Record{Channel: transcript.DirectionCaller, Kind: transcript.KindInput, Text: "hello there"})
	r.LogTranscript(transcript.Record{Channel: transcript.DirectionBot, Kind: transcript.KindOutput, Text: "hi, how can I help"})

	require.NoError(t, r.Stop())

	data, err := os.ReadFile(filepath.Join(dir, "transcript.json"))
	require.NoError(t, err)

	var records []transcript.Record
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 2)
	assert.Equal(t, "hello there", records[0].Text)
	assert.Equal(t, transcript.DirectionBot, records[1].Channel)
}
