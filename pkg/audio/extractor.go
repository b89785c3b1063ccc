package audio

import (
	"math"
	"time"
)

const bytesPerSample = 2 // 16-bit PCM

// Pitch search band for human voice.
const (
	minPitchHz = 50
	maxPitchHz = 500
)

// Extractor converts raw audio chunks into AudioMetricSamples. It is a pure
// function over its input: no shared state, and it never fails. Malformed or
// truncated chunks degrade to a zero-energy sample so a dropped frame can
// never stall the classification pipeline.
type Extractor struct {
	config ExtractorConfig
}

// NewExtractor creates a metric extractor for the given audio format.
func NewExtractor(config ExtractorConfig) *Extractor {
	if config.SampleRate <= 0 {
		config.SampleRate = 8000
	}
	if config.ChunkDuration <= 0 {
		config.ChunkDuration = 160 * time.Millisecond
	}
	if config.VoiceThreshold <= 0 {
		config.VoiceThreshold = 0.02
	}
	return &Extractor{config: config}
}

// Extract computes the per-chunk metrics for one raw PCM16 chunk.
func (e *Extractor) Extract(chunk []byte, timestamp time.Time) AudioMetricSample {
	sample := AudioMetricSample{
		Timestamp: timestamp,
		Duration:  e.config.ChunkDuration,
	}

	samples := decodePCM16(chunk)
	if len(samples) == 0 {
		return sample
	}

	sumSquares := 0.0
	peak := 0.0
	for _, s := range samples {
		sumSquares += s * s
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}

	sample.Energy = math.Sqrt(sumSquares / float64(len(samples)))
	sample.Amplitude = peak
	sample.IsSpeech = sample.Energy > e.config.VoiceThreshold
	if sample.IsSpeech {
		sample.Frequency = e.estimatePitch(samples)
	}

	return sample
}

// decodePCM16 converts little-endian 16-bit PCM bytes to normalized float
// samples in -1.0..1.0. A trailing odd byte is dropped.
func decodePCM16(data []byte) []float64 {
	count := len(data) / bytesPerSample
	if count == 0 {
		return nil
	}

	samples := make([]float64, count)
	for i := 0; i < count; i++ {
		raw := int16(data[i*2]) | (int16(data[i*2+1]) << 8)
		samples[i] = float64(raw) / 32768.0
	}
	return samples
}

// estimatePitch estimates the fundamental frequency using autocorrelation,
// constrained to the human voice band. Returns 0 when no periodicity is
// found in the band.
func (e *Extractor) estimatePitch(samples []float64) float64 {
	minLag := e.config.SampleRate / maxPitchHz
	maxLag := e.config.SampleRate / minPitchHz
	if maxLag >= len(samples) {
		maxLag = len(samples) - 1
	}
	if minLag < 1 || minLag >= maxLag {
		return 0
	}

	bestLag := 0
	bestCorr := 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		sum := 0.0
		for i := 0; i < len(samples)-lag; i++ {
			sum += samples[i] * samples[i+lag]
		}
		if sum > bestCorr {
			bestCorr = sum
			bestLag = lag
		}
	}

	if bestLag == 0 {
		return 0
	}
	return float64(e.config.SampleRate) / float64(bestLag)
}
