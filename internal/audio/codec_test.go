package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplesFixture(n int, amplitude int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(0)
		if i%2 == 0 {
			v = amplitude
		} else {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(v))
	}
	return out
}

func TestMulawRoundTripIsWithinQuantizationError(t *testing.T) {
	for s := -32768; s <= 32767; s += 17 {
		sample := int16(s)
		encoded := linearToMulaw(sample)
		decoded := mulawToLinear(encoded)

		diff := int(sample) - int(decoded)
		if diff < 0 {
			diff = -diff
		}
		// mu-law has coarse quantization at large magnitudes; allow
		// proportional error rather than a fixed bound.
		magnitude := int(sample)
		if magnitude < 0 {
			magnitude = -magnitude
		}
		maxErr := magnitude/16 + 64
		assert.LessOrEqualf(t, diff, maxErr, "sample=%d decoded=%d", sample, decoded)

		// Idempotent after the first round-trip.
		reencoded := linearToMulaw(decoded)
		assert.Equal(t, encoded, reencoded)
	}
}

func TestResampleEmptyInput(t *testing.T) {
	out, err := Resample(nil, Rate8kHz, Rate16kHz)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestResampleDurationWithinOneSample(t *testing.T) {
	cases := []struct{ from, to Rate }{
		{Rate8kHz, Rate16kHz},
		{Rate16kHz, Rate24kHz},
		{Rate24kHz, Rate16kHz},
		{Rate48kHz, Rate16kHz},
	}

	for _, c := range cases {
		durationSeconds := 0.5
		inSamples := int(float64(c.from) * durationSeconds)
		pcm := samplesFixture(inSamples, 1000)

		out, err := Resample(pcm, c.from, c.to)
		require.NoError(t, err)

		outSamples := len(out) / BytesPerSample
		expected := int(float64(c.to) * durationSeconds)

		diff := outSamples - expected
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqualf(t, diff, 1, "from=%d to=%d got=%d want=%d", c.from, c.to, outSamples, expected)
	}
}

func TestResampleSameRateIsPassthrough(t *testing.T) {
	pcm := samplesFixture(100, 500)
	out, err := Resample(pcm, Rate16kHz, Rate16kHz)
	require.NoError(t, err)
	assert.Equal(t, pcm, out)
}

func TestPadToMin(t *testing.T) {
	short := samplesFixture(10, 100)
	padded := PadToMin(short, MinCommitBytes)
	assert.Len(t, padded, MinCommitBytes)
	assert.Equal(t, short, padded[:len(short)])
	for _, b := range padded[len(short):] {
		assert.Equal(t, byte(0), b)
	}

	// Already long enough: returned unchanged.
	long := samplesFixture(MinCommitBytes, 100)
	assert.Equal(t, long, PadToMin(long, MinCommitBytes))
}
