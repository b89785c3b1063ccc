package audio

import "time"

// AudioMetricSample holds the per-chunk scalar metrics extracted from one
// raw audio chunk. Samples are append-only and owned by the classifier for
// the lifetime of a single call.
type AudioMetricSample struct {
	Timestamp time.Time     `json:"timestamp"`
	Energy    float64       `json:"energy"`    // Normalized RMS, 0.0-1.0
	IsSpeech  bool          `json:"is_speech"` // Energy above the voice activity threshold
	Duration  time.Duration `json:"duration"`  // Fixed chunk length
	Frequency float64       `json:"frequency"` // Rough pitch estimate in Hz
	Amplitude float64       `json:"amplitude"` // Peak amplitude, 0.0-1.0
}

// ExtractorConfig holds configuration for metric extraction
type ExtractorConfig struct {
	SampleRate     int           // Audio sample rate in Hz
	ChunkDuration  time.Duration // Fixed duration of each incoming chunk
	VoiceThreshold float64       // Energy threshold for the speech flag
}

// DefaultExtractorConfig returns the narrowband telephony defaults:
// 8 kHz PCM16 with 160ms chunks (8 x 20ms sub-frames).
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		SampleRate:     8000,
		ChunkDuration:  160 * time.Millisecond,
		VoiceThreshold: 0.02,
	}
}
