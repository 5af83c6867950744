package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	records []Record
}

func (f *fakeSink) LogTranscript(rec Record) {
	f.records = append(f.records, rec)
}

func TestAppendAndCompleteFlushesAndClears(t *testing.T) {
	sink := &fakeSink{}
	m := New(sink)

	m.AppendDelta(DirectionCaller, "Hel")
	m.AppendDelta(DirectionCaller, "lo")
	assert.Equal(t, "Hello", m.Buffered(DirectionCaller))

	rec := m.Complete(DirectionCaller, KindInput)
	assert.Equal(t, "Hello", rec.Text)
	assert.Equal(t, DirectionCaller, rec.Channel)
	assert.Equal(t, KindInput, rec.Kind)
	assert.Equal(t, "", m.Buffered(DirectionCaller))

	require.Len(t, sink.records, 1)
	assert.Equal(t, "Hello", sink.records[0].Text)
}

func TestDirectionsAreIndependent(t *testing.T) {
	m := New(nil)
	m.AppendDelta(DirectionCaller, "caller text")
	m.AppendDelta(DirectionBot, "bot text")

	assert.Equal(t, "caller text", m.Buffered(DirectionCaller))
	assert.Equal(t, "bot text", m.Buffered(DirectionBot))

	m.Complete(DirectionCaller, KindInput)
	assert.Equal(t, "", m.Buffered(DirectionCaller))
	assert.Equal(t, "bot text", m.Buffered(DirectionBot))
}

func TestRestoreCategorisesByRole(t *testing.T) {
	m := New(nil)
	m.Restore([]HistoryItem{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello there"},
		{Role: "user", Content: " again"},
	})

	assert.Equal(t, "hi again", m.Buffered(DirectionCaller))
	assert.Equal(t, "hello there", m.Buffered(DirectionBot))
}
