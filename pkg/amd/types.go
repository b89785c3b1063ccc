package amd

import (
	"time"
)

// DetectionMethod identifies which heuristic produced a verdict.
type DetectionMethod string

const (
	MethodSilencePattern  DetectionMethod = "silence_pattern"
	MethodVoicePattern    DetectionMethod = "voice_pattern"
	MethodDurationPattern DetectionMethod = "duration_pattern"
	MethodKeywordPattern  DetectionMethod = "keyword_pattern"
	MethodEnergyPattern   DetectionMethod = "energy_pattern"
)

// Indicators carries the supporting evidence behind a verdict.
type Indicators struct {
	SilenceGaps    int             `json:"silence_gaps"`
	AvgEnergy      float64         `json:"avg_energy"`
	VoiceDuration  time.Duration   `json:"voice_duration"`
	SpeechRate     float64         `json:"speech_rate"`
	PauseDurations []time.Duration `json:"pause_durations,omitempty"`
	Keywords       []string        `json:"keywords,omitempty"`
	TonalVariation float64         `json:"tonal_variation"`
}

// Verdict is the classifier output for one call: human or answering
// machine, with confidence and rationale. Immutable once produced; the
// latest confident verdict for a call id is the one of record.
type Verdict struct {
	IsAnsweringMachine bool            `json:"is_answering_machine"`
	Confidence         float64         `json:"confidence"`
	DetectionMethod    DetectionMethod `json:"detection_method"`
	Indicators         Indicators      `json:"indicators"`
	Reasoning          string          `json:"reasoning"`
	TimeToDetection    time.Duration   `json:"time_to_detection"`
}

// DetectorConfig holds the tunable heuristic thresholds. Zero values are
// replaced with the defaults by NewDetector.
type DetectorConfig struct {
	// MinConfidence is the emission floor: verdicts at or below it are
	// computed but not surfaced.
	MinConfidence float64

	// WarmupWindow is the minimum buffered audio before audio
	// classification is attempted.
	WarmupWindow time.Duration

	// MeaningfulPause is the minimum silence gap counted as a pause.
	MeaningfulPause time.Duration

	// LongSilence is the minimum gap counted as a long silence.
	LongSilence time.Duration

	SilenceRatio        float64       // Machine silence-ratio threshold
	LongSilenceCount    int           // Machine rule needs more than this many long silences
	LowEnergyVariation  float64       // Below this, flat machine-like delivery
	HighEnergyVariation float64       // Above this, natural human variation
	LongMonologue       time.Duration // Continuous voice beyond this is machine-like
	ShortCallWindow     time.Duration // Quick-answer window for human detection
	ShortCallEnergy     float64       // Minimum average energy in the quick-answer window
	MeaningfulPauses    int           // Human rule needs more than this many pauses

	ShortReplyWords     int     // Human keyword rule word-count cap
	HumanWordLimit      int     // Broader human keyword rule word-count cap
	LongTranscriptWords int     // Machine monologue word-count floor
	MonotoneThreshold   float64 // Tonal variation below this is machine-like
}

// DefaultDetectorConfig returns the default heuristic thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		MinConfidence:       0.7,
		WarmupWindow:        1000 * time.Millisecond,
		MeaningfulPause:     100 * time.Millisecond,
		LongSilence:         1500 * time.Millisecond,
		SilenceRatio:        0.30,
		LongSilenceCount:    2,
		LowEnergyVariation:  0.05,
		HighEnergyVariation: 0.15,
		LongMonologue:       15000 * time.Millisecond,
		ShortCallWindow:     2000 * time.Millisecond,
		ShortCallEnergy:     0.1,
		MeaningfulPauses:    3,
		ShortReplyWords:     10,
		HumanWordLimit:      20,
		LongTranscriptWords: 50,
		MonotoneThreshold:   0.2,
	}
}

func (c *DetectorConfig) applyDefaults() {
	def := DefaultDetectorConfig()
	if c.MinConfidence <= 0 {
		c.MinConfidence = def.MinConfidence
	}
	if c.WarmupWindow <= 0 {
		c.WarmupWindow = def.WarmupWindow
	}
	if c.MeaningfulPause <= 0 {
		c.MeaningfulPause = def.MeaningfulPause
	}
	if c.LongSilence <= 0 {
		c.LongSilence = def.LongSilence
	}
	if c.SilenceRatio <= 0 {
		c.SilenceRatio = def.SilenceRatio
	}
	if c.LongSilenceCount <= 0 {
		c.LongSilenceCount = def.LongSilenceCount
	}
	if c.LowEnergyVariation <= 0 {
		c.LowEnergyVariation = def.LowEnergyVariation
	}
	if c.HighEnergyVariation <= 0 {
		c.HighEnergyVariation = def.HighEnergyVariation
	}
	if c.LongMonologue <= 0 {
		c.LongMonologue = def.LongMonologue
	}
	if c.ShortCallWindow <= 0 {
		c.ShortCallWindow = def.ShortCallWindow
	}
	if c.ShortCallEnergy <= 0 {
		c.ShortCallEnergy = def.ShortCallEnergy
	}
	if c.MeaningfulPauses <= 0 {
		c.MeaningfulPauses = def.MeaningfulPauses
	}
	if c.ShortReplyWords <= 0 {
		c.ShortReplyWords = def.ShortReplyWords
	}
	if c.HumanWordLimit <= 0 {
		c.HumanWordLimit = def.HumanWordLimit
	}
	if c.LongTranscriptWords <= 0 {
		c.LongTranscriptWords = def.LongTranscriptWords
	}
	if c.MonotoneThreshold <= 0 {
		c.MonotoneThreshold = def.MonotoneThreshold
	}
}

// SystemStats is a read-only snapshot of classifier activity for
// operational dashboards.
type SystemStats struct {
	ActiveCalls       int     `json:"active_calls"`
	TotalVerdicts     int64   `json:"total_verdicts"`
	MachineDetections int64   `json:"machine_detections"`
	HumanDetections   int64   `json:"human_detections"`
	AverageConfidence float64 `json:"average_confidence"`
}

// VerdictListener receives surfaced verdicts. Implementations must not
// block; the detector invokes them inline from the observe path.
type VerdictListener interface {
	OnVerdict(callID string, verdict *Verdict)
}
