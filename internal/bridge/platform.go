package bridge

import (
	"context"

	"github.com/birddigital/realtime-bridge/internal/audio"
)

// PlatformConn is the uniform interface every C11 adapter presents to
// the bridge core, per spec.md §4.11: whatever wire protocol or native
// audio rate the carrier speaks, the adapter normalizes frames to this
// shape before the core ever sees them.
//
// Inbound frames (from Receive) use a canonical "type" field the
// bridge core's router dispatches on: "session_start", "audio_chunk",
// "commit", "session_end". Outbound frames (to Send) use the bridge
// core's own canonical shape ("stream_start"/"stream_chunk"/
// "stream_stop", as produced by internal/stream) plus "session_end";
// the adapter translates both directions to/from its wire protocol.
type PlatformConn interface {
	Receive(ctx context.Context) (map[string]interface{}, error)
	Send(ctx context.Context, frame map[string]interface{}) error
	Close() error

	// SourceRate is the sample rate of audio_chunk frames this adapter
	// delivers, so the bridge core resamples correctly on ingress
	// (16kHz PCM16 for an AudioCodes-style adapter, 8kHz mu-law decoded
	// to PCM16 for a Twilio-style one).
	SourceRate() audio.Rate
}
