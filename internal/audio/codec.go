// Package audio implements the codec and resampler shared by every platform
// adapter and the call recorder: mu-law<->PCM16 conversion and linear PCM
// resampling between arbitrary sample rates.
package audio

import (
	"encoding/binary"
	"fmt"
)

// Rate is a sample rate in Hz.
type Rate int

const (
	Rate8kHz  Rate = 8000
	Rate16kHz Rate = 16000
	Rate24kHz Rate = 24000
	Rate48kHz Rate = 48000
)

// BytesPerSample is the width of a PCM16 sample.
const BytesPerSample = 2

// MinCommitBytes is 100ms of 16kHz PCM16 audio (16000 * 2 / 10).
const MinCommitBytes = 3200

// DecodeMulaw decodes G.711 mu-law encoded bytes to PCM16 little-endian
// mono samples at the same sample rate as the input.
func DecodeMulaw(data []byte) []byte {
	out := make([]byte, len(data)*BytesPerSample)
	for i, b := range data {
		sample := mulawToLinear(b)
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(sample))
	}
	return out
}

// EncodeMulaw encodes PCM16 little-endian mono samples to G.711 mu-law.
// Odd trailing bytes are truncated.
func EncodeMulaw(pcm []byte) []byte {
	n := len(pcm) / BytesPerSample
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		out[i] = linearToMulaw(sample)
	}
	return out
}

// mulawToLinear implements the standard G.711 mu-law decode table walk.
func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := int16(1)
	if mulawByte&0x80 != 0 {
		sign = -1
	}
	exponent := (mulawByte >> 4) & 0x07
	mantissa := mulawByte & 0x0F

	sample := int16(sign * ((((int16(mantissa) << 3) + 0x84) << exponent) - 0x84))
	return sample
}

// linearToMulaw implements the standard G.711 mu-law encode algorithm.
func linearToMulaw(sample int16) byte {
	sign := int16(1)
	magnitude := int32(sample)
	if magnitude < 0 {
		sign = -1
		magnitude = -magnitude
	}
	if magnitude > 32635 {
		magnitude = 32635
	}
	magnitude += 0x84

	exponent := int32(7)
	for exp := int32(0); exp < 7; exp++ {
		if magnitude < int32(0x100)<<exp {
			exponent = exp
			break
		}
	}
	mantissa := (magnitude >> (exponent + 3)) & 0x0F

	mulawByte := byte((exponent << 4) | mantissa)
	if sign < 0 {
		mulawByte |= 0x80
	}
	return ^mulawByte
}

// Resample converts PCM16 little-endian mono audio from one sample rate to
// another. Empty input returns empty output. Odd trailing bytes are
// truncated (with the caller expected to log; Resample itself stays quiet
// since it's called on the hot audio path).
//
// Upsampling uses linear interpolation across the original sample grid.
// Downsampling applies a box low-pass of width ceil(from/to) before
// decimation to suppress aliasing, per the spec's "best-effort, not
// broadcast-quality" resampling contract.
func Resample(pcm []byte, from, to Rate) ([]byte, error) {
	if len(pcm) == 0 {
		return []byte{}, nil
	}
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rate pair %d -> %d", from, to)
	}
	if from == to {
		out := make([]byte, len(pcm)&^1)
		copy(out, pcm)
		return out, nil
	}

	samples := bytesToSamples(pcm)

	if to < from {
		samples = boxFilter(samples, int(from), int(to))
	}

	resampled := linearInterpolate(samples, int(from), int(to))
	return samplesToBytes(resampled), nil
}

func bytesToSamples(pcm []byte) []int16 {
	n := len(pcm) / BytesPerSample
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return samples
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}

// boxFilter applies a simple moving-average low-pass of width ceil(from/to)
// ahead of decimation, to suppress aliasing on the downsample path.
func boxFilter(samples []int16, from, to int) []int16 {
	width := (from + to - 1) / to
	if width < 2 {
		return samples
	}

	out := make([]int16, len(samples))
	half := width / 2
	for i := range samples {
		var sum int32
		count := int32(0)
		for k := -half; k < width-half; k++ {
			idx := i + k
			if idx < 0 || idx >= len(samples) {
				continue
			}
			sum += int32(samples[idx])
			count++
		}
		if count == 0 {
			out[i] = samples[i]
			continue
		}
		out[i] = int16(sum / count)
	}
	return out
}

// linearInterpolate resamples samples from `from` Hz to `to` Hz using
// linear interpolation across the source sample grid.
func linearInterpolate(samples []int16, from, to int) []int16 {
	n := len(samples)
	if n == 0 {
		return []int16{}
	}
	if n == 1 {
		return []int16{samples[0]}
	}

	outLen := (n * to) / from
	if outLen < 1 {
		outLen = 1
	}
	out := make([]int16, outLen)

	ratio := float64(from) / float64(to)
	for i := 0; i < outLen; i++ {
		srcPos := float64(i) * ratio
		srcIndex := int(srcPos)
		if srcIndex >= n-1 {
			srcIndex = n - 2
		}
		frac := srcPos - float64(srcIndex)

		s1 := float64(samples[srcIndex])
		s2 := float64(samples[srcIndex+1])
		interp := s1*(1-frac) + s2*frac

		out[i] = clampInt16(interp)
	}
	return out
}

func clampInt16(v float64) int16 {
	const maxI16 = float64(32767)
	const minI16 = float64(-32768)
	if v > maxI16 {
		return 32767
	}
	if v < minI16 {
		return -32768
	}
	return int16(v)
}

// PadToMin appends zero samples (silence) until pcm is at least minBytes
// long. Used on the inbound path for short frames, with minBytes = 3200
// (100ms @ 16kHz x 2 bytes).
func PadToMin(pcm []byte, minBytes int) []byte {
	if len(pcm) >= minBytes {
		return pcm
	}
	padded := make([]byte, minBytes)
	copy(padded, pcm)
	return padded
}
