package audio

import (
	"encoding/binary"
	"math"
)

const (
	// DefaultSampleRate is the rate of synthesized speech on the chat socket
	DefaultSampleRate = 24000

	// BytesPerSample is the width of one signed 16-bit mono sample
	BytesPerSample = 2

	pcm16Scale = 32768.0
)

// PCM16ToInt16 parses little-endian signed 16-bit samples. A trailing odd byte is ignored.
func PCM16ToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// Int16ToPCM16 encodes samples as little-endian bytes
func Int16ToPCM16(samples []int16) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// Normalize maps 16-bit samples into [-1, 1) as sample/32768
func Normalize(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(float64(s) / pcm16Scale)
	}
	return out
}

// FloatToInt16 converts one normalized sample back to 16 bits, clipping out-of-range input
func FloatToInt16(v float32) int16 {
	scaled := math.Round(float64(v) * pcm16Scale)
	if scaled > math.MaxInt16 {
		return math.MaxInt16
	}
	if scaled < math.MinInt16 {
		return math.MinInt16
	}
	return int16(scaled)
}

// AppendPCM16 encodes normalized samples onto dst as little-endian 16-bit PCM
func AppendPCM16(dst []byte, samples []float32) []byte {
	for _, v := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(FloatToInt16(v)))
	}
	return dst
}

// DurationSeconds returns how long n samples last at the given rate
func DurationSeconds(n, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(n) / float64(sampleRate)
}
