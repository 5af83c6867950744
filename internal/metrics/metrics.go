// Package metrics is the bridge's quality-monitor hook (C8) and general
// health signal (SPEC_FULL.md "Supplemented features" #2), implemented on
// top of OpenTelemetry the way MrWong99-glyphoxa and lookatitude-beluga-ai
// wire their metric instruments.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Recorder records bridge-runtime quality signals. A nil *Recorder is safe
// to call methods on (no-op), so components can take an optional recorder
// without a nil check at every call site.
type Recorder struct {
	droppedFrames     metric.Int64Counter
	commitSuppressed  metric.Int64Counter
	resampleDuration  metric.Float64Histogram
	pendingResponses  metric.Int64UpDownCounter
}

// New builds a Recorder registering its instruments against meter.
func New(meter metric.Meter) (*Recorder, error) {
	droppedFrames, err := meter.Int64Counter(
		"bridge.audio.dropped_frames",
		metric.WithDescription("audio frames dropped due to backpressure or closed sockets"),
	)
	if err != nil {
		return nil, err
	}

	commitSuppressed, err := meter.Int64Counter(
		"bridge.commit.suppressed",
		metric.WithDescription("inbound commits suppressed for being under the 100ms threshold"),
	)
	if err != nil {
		return nil, err
	}

	resampleDuration, err := meter.Float64Histogram(
		"bridge.audio.resample_duration_ms",
		metric.WithDescription("wall-clock time spent resampling a chunk"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	pendingResponses, err := meter.Int64UpDownCounter(
		"bridge.ai.pending_user_input",
		metric.WithDescription("calls currently holding a deferred user-commit pending response.done"),
	)
	if err != nil {
		return nil, err
	}

	return &Recorder{
		droppedFrames:    droppedFrames,
		commitSuppressed: commitSuppressed,
		resampleDuration: resampleDuration,
		pendingResponses: pendingResponses,
	}, nil
}

// DroppedFrame records one dropped audio frame, tagged by direction and
// reason ("backpressure", "closed_socket", ...).
func (r *Recorder) DroppedFrame(ctx context.Context, direction, reason string) {
	if r == nil {
		return
	}
	r.droppedFrames.Add(ctx, 1, metric.WithAttributes(
		directionAttr(direction), reasonAttr(reason),
	))
}

// CommitSuppressed records a suppressed sub-threshold commit.
func (r *Recorder) CommitSuppressed(ctx context.Context) {
	if r == nil {
		return
	}
	r.commitSuppressed.Add(ctx, 1)
}

// ResampleDuration records how long a resample call took, in milliseconds.
func (r *Recorder) ResampleDuration(ctx context.Context, ms float64) {
	if r == nil {
		return
	}
	r.resampleDuration.Record(ctx, ms)
}

// PendingResponseStarted/Ended track the window during which a call is
// holding a single-slot pending user-input marker (§4.9 response
// serialisation invariant).
func (r *Recorder) PendingResponseStarted(ctx context.Context) {
	if r == nil {
		return
	}
	r.pendingResponses.Add(ctx, 1)
}

func (r *Recorder) PendingResponseEnded(ctx context.Context) {
	if r == nil {
		return
	}
	r.pendingResponses.Add(ctx, -1)
}
