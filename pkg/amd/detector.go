package amd

import (
	"fmt"
	"math"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sirupsen/logrus"

	"callsignal-server/pkg/audio"
	"callsignal-server/pkg/metrics"
)

// callState accumulates the metric buffer and latest verdict of record for
// one call. Callers serialize ObserveChunk per call id; the concurrent map
// only guards the call table itself.
type callState struct {
	samples []audio.AudioMetricSample
	verdict *Verdict
}

// Detector is the streaming call-signal classifier. It aggregates per-chunk
// audio metrics and/or transcript text into a human-vs-machine verdict.
type Detector struct {
	logger    *logrus.Entry
	config    DetectorConfig
	extractor *audio.Extractor
	calls     cmap.ConcurrentMap[string, *callState]
	listener  VerdictListener

	statsMu           sync.RWMutex
	totalVerdicts     int64
	machineDetections int64
	humanDetections   int64
	confidenceSum     float64
}

// NewDetector creates a classifier with the given thresholds. A nil listener
// disables verdict fan-out; surfaced verdicts are still recorded per call.
func NewDetector(logger *logrus.Logger, config DetectorConfig, extractor *audio.Extractor, listener VerdictListener) *Detector {
	config.applyDefaults()
	if extractor == nil {
		extractor = audio.NewExtractor(audio.DefaultExtractorConfig())
	}

	return &Detector{
		logger:    logger.WithField("component", "amd_detector"),
		config:    config,
		extractor: extractor,
		calls:     cmap.New[*callState](),
		listener:  listener,
	}
}

// ObserveChunk ingests one raw audio chunk for a call and re-evaluates the
// audio heuristics over the whole buffered window. It returns nil while the
// buffered audio is below the warm-up window or while no rule clears the
// confidence floor.
func (d *Detector) ObserveChunk(callID string, chunk []byte, timestamp time.Time) *Verdict {
	started := time.Now()

	sample := d.extractor.Extract(chunk, timestamp)
	state := d.stateFor(callID)
	state.samples = append(state.samples, sample)
	metrics.RecordChunk(callID)
	metrics.SetActiveCalls(d.calls.Count())

	window := d.analyzeWindow(state.samples)
	if window.callDuration < d.config.WarmupWindow {
		return nil
	}

	verdict := d.classifyAudio(window)
	verdict.TimeToDetection = time.Since(started)

	return d.surface(callID, state, verdict, "audio", false)
}

// ObserveTranscript classifies a transcript string for a call, optionally
// alongside the accumulated metric samples. The verdict is always returned;
// it is only recorded and fanned out when it clears the confidence floor.
func (d *Detector) ObserveTranscript(callID string, transcript string, samples []audio.AudioMetricSample) *Verdict {
	started := time.Now()

	verdict := d.classifyTranscript(transcript, samples)
	verdict.TimeToDetection = time.Since(started)

	state := d.stateFor(callID)
	return d.surface(callID, state, verdict, "transcript", true)
}

// Result returns the latest surfaced verdict of record for a call.
func (d *Detector) Result(callID string) (*Verdict, bool) {
	state, ok := d.calls.Get(callID)
	if !ok || state.verdict == nil {
		return nil, false
	}
	return state.verdict, true
}

// ClearCallData discards all buffered state for a call. Callers must invoke
// it on every call termination; it is safe at any time, including while an
// ObserveChunk for the same id is in flight (last write wins).
func (d *Detector) ClearCallData(callID string) {
	d.calls.Remove(callID)
	metrics.SetActiveCalls(d.calls.Count())
	d.logger.WithField("call_id", callID).Debug("Cleared call classification state")
}

// SystemStats returns a snapshot of classifier activity.
func (d *Detector) SystemStats() SystemStats {
	d.statsMu.RLock()
	defer d.statsMu.RUnlock()

	stats := SystemStats{
		ActiveCalls:       d.calls.Count(),
		TotalVerdicts:     d.totalVerdicts,
		MachineDetections: d.machineDetections,
		HumanDetections:   d.humanDetections,
	}
	if d.totalVerdicts > 0 {
		stats.AverageConfidence = d.confidenceSum / float64(d.totalVerdicts)
	}
	return stats
}

func (d *Detector) stateFor(callID string) *callState {
	return d.calls.Upsert(callID, &callState{}, func(exists bool, current, fresh *callState) *callState {
		if exists {
			return current
		}
		return fresh
	})
}

// surface applies the emission rule: verdicts above the confidence floor are
// recorded as the call's result, fanned out, and counted; below it they are
// discarded. alwaysReturn controls whether the computed verdict is handed
// back to the caller regardless (transcript entry point).
func (d *Detector) surface(callID string, state *callState, verdict *Verdict, source string, alwaysReturn bool) *Verdict {
	if verdict.Confidence <= d.config.MinConfidence {
		if alwaysReturn {
			return verdict
		}
		return nil
	}

	state.verdict = verdict

	result := "human"
	if verdict.IsAnsweringMachine {
		result = "machine"
	}

	d.statsMu.Lock()
	d.totalVerdicts++
	d.confidenceSum += verdict.Confidence
	if verdict.IsAnsweringMachine {
		d.machineDetections++
	} else {
		d.humanDetections++
	}
	d.statsMu.Unlock()

	metrics.RecordVerdict(result, string(verdict.DetectionMethod), verdict.Confidence, verdict.TimeToDetection, source)

	d.logger.WithFields(logrus.Fields{
		"call_id":    callID,
		"result":     result,
		"confidence": verdict.Confidence,
		"method":     verdict.DetectionMethod,
		"source":     source,
	}).Info("Classification verdict surfaced")

	if d.listener != nil {
		d.listener.OnVerdict(callID, verdict)
	}

	return verdict
}

// windowMetrics aggregates the buffered samples of one call.
type windowMetrics struct {
	callDuration    time.Duration
	voiceDuration   time.Duration
	avgEnergy       float64
	energyVariation float64
	silences        []time.Duration
	pauses          []time.Duration
	speechRate      float64
	tonalVariation  float64
	tonalSamples    int
}

func (d *Detector) analyzeWindow(samples []audio.AudioMetricSample) windowMetrics {
	var w windowMetrics
	if len(samples) == 0 {
		return w
	}

	energySum := 0.0
	speechEnergies := make([]float64, 0, len(samples))
	frequencies := make([]float64, 0, len(samples))
	var currentGap time.Duration

	for _, s := range samples {
		w.callDuration += s.Duration
		energySum += s.Energy

		if s.IsSpeech {
			w.voiceDuration += s.Duration
			speechEnergies = append(speechEnergies, s.Energy)
			if s.Frequency > 0 {
				frequencies = append(frequencies, s.Frequency)
			}
			if currentGap > 0 {
				w.silences = append(w.silences, currentGap)
				currentGap = 0
			}
		} else {
			currentGap += s.Duration
		}
	}
	if currentGap > 0 {
		w.silences = append(w.silences, currentGap)
	}

	w.avgEnergy = energySum / float64(len(samples))
	w.energyVariation = stdDev(speechEnergies)

	for _, gap := range w.silences {
		if gap > d.config.MeaningfulPause {
			w.pauses = append(w.pauses, gap)
		}
	}

	if w.callDuration > 0 {
		w.speechRate = w.voiceDuration.Seconds() / w.callDuration.Seconds()
	}

	w.tonalSamples = len(frequencies)
	if mean := mean(frequencies); mean > 0 {
		w.tonalVariation = stdDev(frequencies) / mean
	}

	return w
}

// classifyAudio applies the ordered audio rule ladder; the first matching
// rule wins, most reliable heuristic first.
func (d *Detector) classifyAudio(w windowMetrics) *Verdict {
	indicators := Indicators{
		SilenceGaps:    len(w.silences),
		AvgEnergy:      w.avgEnergy,
		VoiceDuration:  w.voiceDuration,
		SpeechRate:     w.speechRate,
		PauseDurations: w.pauses,
		TonalVariation: w.tonalVariation,
	}

	silenceRatio := 0.0
	if w.callDuration > 0 {
		silenceRatio = 1.0 - w.voiceDuration.Seconds()/w.callDuration.Seconds()
	}

	longSilences := 0
	for _, gap := range w.silences {
		if gap > d.config.LongSilence {
			longSilences++
		}
	}

	switch {
	case silenceRatio > d.config.SilenceRatio && longSilences > d.config.LongSilenceCount:
		return &Verdict{
			IsAnsweringMachine: true,
			Confidence:         0.8,
			DetectionMethod:    MethodSilencePattern,
			Indicators:         indicators,
			Reasoning: fmt.Sprintf("silence ratio %.2f with %d long silences suggests a greeting-pause cycle",
				silenceRatio, longSilences),
		}

	case w.energyVariation < d.config.LowEnergyVariation:
		return &Verdict{
			IsAnsweringMachine: true,
			Confidence:         0.75,
			DetectionMethod:    MethodEnergyPattern,
			Indicators:         indicators,
			Reasoning: fmt.Sprintf("energy variation %.3f is too flat for live speech",
				w.energyVariation),
		}

	case w.voiceDuration > d.config.LongMonologue:
		return &Verdict{
			IsAnsweringMachine: true,
			Confidence:         0.7,
			DetectionMethod:    MethodDurationPattern,
			Indicators:         indicators,
			Reasoning: fmt.Sprintf("continuous voice for %s resembles a recorded announcement",
				w.voiceDuration),
		}

	case w.callDuration < d.config.ShortCallWindow && w.avgEnergy > d.config.ShortCallEnergy:
		return &Verdict{
			IsAnsweringMachine: false,
			Confidence:         0.8,
			DetectionMethod:    MethodDurationPattern,
			Indicators:         indicators,
			Reasoning: fmt.Sprintf("energetic speech within %s of answer suggests a live greeting",
				w.callDuration),
		}

	case w.energyVariation > d.config.HighEnergyVariation && len(w.pauses) > d.config.MeaningfulPauses:
		return &Verdict{
			IsAnsweringMachine: false,
			Confidence:         0.75,
			DetectionMethod:    MethodVoicePattern,
			Indicators:         indicators,
			Reasoning: fmt.Sprintf("energy variation %.3f with %d conversational pauses suggests live speech",
				w.energyVariation, len(w.pauses)),
		}
	}

	return &Verdict{
		IsAnsweringMachine: false,
		Confidence:         0.5,
		DetectionMethod:    MethodVoicePattern,
		Indicators:         indicators,
		Reasoning:          "no audio heuristic matched, insufficient evidence",
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	sumSquaredDiff := 0.0
	for _, v := range values {
		diff := v - m
		sumSquaredDiff += diff * diff
	}
	return math.Sqrt(sumSquaredDiff / float64(len(values)))
}
