// Package recorder implements the call recorder (C3): parallel
// caller/bot WAV capture, a streaming stereo mix plus a final
// zero-padded stereo mixdown, and the transcript/metadata/event
// journals, grounded on opusagent's CallRecorder.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	audiopkg "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"go.uber.org/zap"

	"github.com/birddigital/realtime-bridge/internal/audio"
	"github.com/birddigital/realtime-bridge/internal/functioncall"
	"github.com/birddigital/realtime-bridge/internal/transcript"
)

const (
	recordingSampleRate = int(audio.Rate16kHz)
	bitDepth            = 16
	wavFormatPCM        = 1
)

type sessionEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
}

type callMetadata struct {
	ConversationID    string     `json:"conversation_id"`
	SessionID         string     `json:"session_id"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	CallerAudioBytes  int        `json:"caller_audio_bytes"`
	BotAudioBytes     int        `json:"bot_audio_bytes"`
	TranscriptEntries int        `json:"transcript_entries"`
}

// Recorder owns the on-disk recording artifact for one call: caller.wav,
// bot.wav, stereo.wav, final_stereo.wav, transcript.json, metadata.json,
// events.json, per spec.md §3's persisted state layout.
type Recorder struct {
	logger *zap.Logger
	dir    string

	mu      sync.Mutex
	stopped bool

	callerFile *os.File
	botFile    *os.File
	stereoFile *os.File

	callerEncoder *wav.Encoder
	botEncoder    *wav.Encoder
	stereoEncoder *wav.Encoder

	callerBuffer []int16
	botBuffer    []int16

	transcripts []transcript.Record
	events      []sessionEvent
	metadata    callMetadata
}

// Start creates recordingDir (if needed) and opens the three streaming
// WAV writers. Safe to call once per Recorder.
func Start(recordingDir, conversationID, sessionID string, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(recordingDir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: mkdir: %w", err)
	}

	r := &Recorder{
		logger: logger,
		dir:    recordingDir,
		metadata: callMetadata{
			ConversationID: conversationID,
			SessionID:      sessionID,
			StartTime:      time.Now().UTC(),
		},
	}

	var err error
	r.callerFile, r.callerEncoder, err = openMonoWriter(filepath.Join(recordingDir, "caller.wav"))
	if err != nil {
		return nil, err
	}
	r.botFile, r.botEncoder, err = openMonoWriter(filepath.Join(recordingDir, "bot.wav"))
	if err != nil {
		return nil, err
	}
	r.stereoFile, r.stereoEncoder, err = openStereoWriter(filepath.Join(recordingDir, "stereo.wav"))
	if err != nil {
		return nil, err
	}

	return r, nil
}

func openMonoWriter(path string) (*os.File, *wav.Encoder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("recorder: create %s: %w", path, err)
	}
	enc := wav.NewEncoder(f, recordingSampleRate, bitDepth, 1, wavFormatPCM)
	return f, enc, nil
}

func openStereoWriter(path string) (*os.File, *wav.Encoder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("recorder: create %s: %w", path, err)
	}
	enc := wav.NewEncoder(f, recordingSampleRate, bitDepth, 2, wavFormatPCM)
	return f, enc, nil
}

// RecordCallerAudio writes a mono PCM16 chunk (already at 16kHz, per
// stream.Handler's inbound resample) to caller.wav and the streaming
// stereo mix's left channel, and accumulates it for the final mixdown.
func (r *Recorder) RecordCallerAudio(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}

	samples := bytesToInt16(pcm)
	r.metadata.CallerAudioBytes += len(pcm)
	r.callerBuffer = append(r.callerBuffer, samples...)

	if err := writeMono(r.callerEncoder, samples); err != nil {
		r.logger.Error("error writing caller audio", zap.Error(err))
	}
	if err := writeStereoChunk(r.stereoEncoder, samples, true); err != nil {
		r.logger.Error("error writing stereo chunk", zap.Error(err))
	}
}

// RecordBotAudio writes a mono PCM16 chunk (already resampled to 16kHz
// from the AI service's 24kHz, per spec.md §3) to bot.wav and the
// streaming stereo mix's right channel.
func (r *Recorder) RecordBotAudio(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}

	samples := bytesToInt16(pcm)
	r.metadata.BotAudioBytes += len(pcm)
	r.botBuffer = append(r.botBuffer, samples...)

	if err := writeMono(r.botEncoder, samples); err != nil {
		r.logger.Error("error writing bot audio", zap.Error(err))
	}
	if err := writeStereoChunk(r.stereoEncoder, samples, false); err != nil {
		r.logger.Error("error writing stereo chunk", zap.Error(err))
	}
}

// LogTranscript implements transcript.Sink: it appends a completed
// transcript turn to the in-memory journal, flushed to
// transcript.json on Stop.
func (r *Recorder) LogTranscript(rec transcript.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.transcripts = append(r.transcripts, rec)
	r.metadata.TranscriptEntries++
}

// LogFunctionCall implements functioncall.Recorder: it journals the
// call as a session event for events.json.
func (r *Recorder) LogFunctionCall(ctx context.Context, name string, args map[string]interface{}, result functioncall.Result, callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.events = append(r.events, sessionEvent{
		Timestamp: time.Now().UTC(),
		EventType: "function_call",
		Data: map[string]interface{}{
			"function_name": name,
			"arguments":     args,
			"result":        result,
			"call_id":       callID,
		},
	})
}

// Stop closes the three streaming WAV writers, builds final_stereo.wav
// from the accumulated caller/bot buffers (zero-padded to the longer
// track), and flushes transcript.json/metadata.json/events.json. Stop
// is idempotent: a second call is a no-op.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	r.stopped = true

	now := time.Now().UTC()
	r.metadata.EndTime = &now

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(closeEncoder(r.callerEncoder, r.callerFile))
	record(closeEncoder(r.botEncoder, r.botFile))
	record(closeEncoder(r.stereoEncoder, r.stereoFile))
	record(r.writeFinalStereo())
	record(r.writeJSON("transcript.json", r.transcripts))
	record(r.writeJSON("metadata.json", r.metadata))
	record(r.writeJSON("events.json", r.events))

	return firstErr
}

func (r *Recorder) writeFinalStereo() error {
	n := len(r.callerBuffer)
	if len(r.botBuffer) > n {
		n = len(r.botBuffer)
	}
	if n == 0 {
		return nil
	}

	caller := padInt16(r.callerBuffer, n)
	bot := padInt16(r.botBuffer, n)

	interleaved := make([]int, n*2)
	for i := 0; i < n; i++ {
		interleaved[i*2] = int(caller[i])
		interleaved[i*2+1] = int(bot[i])
	}

	f, err := os.Create(filepath.Join(r.dir, "final_stereo.wav"))
	if err != nil {
		return fmt.Errorf("recorder: create final_stereo.wav: %w", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, recordingSampleRate, bitDepth, 2, wavFormatPCM)
	buf := &audiopkg.IntBuffer{
		Format:         &audiopkg.Format{NumChannels: 2, SampleRate: recordingSampleRate},
		Data:           interleaved,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("recorder: write final_stereo.wav: %w", err)
	}
	return enc.Close()
}

func (r *Recorder) writeJSON(filename string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("recorder: marshal %s: %w", filename, err)
	}
	if err := os.WriteFile(filepath.Join(r.dir, filename), data, 0o644); err != nil {
		return fmt.Errorf("recorder: write %s: %w", filename, err)
	}
	return nil
}

func closeEncoder(enc *wav.Encoder, f *os.File) error {
	var err error
	if enc != nil {
		err = enc.Close()
	}
	if f != nil {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func writeMono(enc *wav.Encoder, samples []int16) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &audiopkg.IntBuffer{
		Format:         &audiopkg.Format{NumChannels: 1, SampleRate: recordingSampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	return enc.Write(buf)
}

// writeStereoChunk mirrors the original's per-chunk stereo write: the
// arriving side's samples populate their channel, the other channel is
// silence, appended as new stereo frames (not time-aligned against the
// other party — that alignment only happens in the final mixdown).
func writeStereoChunk(enc *wav.Encoder, samples []int16, isCaller bool) error {
	interleaved := make([]int, len(samples)*2)
	for i, s := range samples {
		if isCaller {
			interleaved[i*2] = int(s)
		} else {
			interleaved[i*2+1] = int(s)
		}
	}
	buf := &audiopkg.IntBuffer{
		Format:         &audiopkg.Format{NumChannels: 2, SampleRate: recordingSampleRate},
		Data:           interleaved,
		SourceBitDepth: bitDepth,
	}
	return enc.Write(buf)
}

func bytesToInt16(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
	}
	return out
}

func padInt16(samples []int16, n int) []int16 {
	if len(samples) >= n {
		return samples
	}
	padded := make([]int16, n)
	copy(padded, samples)
	return padded
}
