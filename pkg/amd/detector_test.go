package amd

import (
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsignal-server/pkg/audio"
)

const chunkSamples = 1280 // 160ms at 8kHz

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func speechChunk(amplitude float64) []byte {
	data := make([]byte, chunkSamples*2)
	for i := 0; i < chunkSamples; i++ {
		v := amplitude * math.Sin(2*math.Pi*200*float64(i)/8000.0)
		s := int16(v * 32767.0)
		data[i*2] = byte(s & 0xFF)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

func silenceChunk() []byte {
	return make([]byte, chunkSamples*2)
}

type capturedVerdict struct {
	callID  string
	verdict *Verdict
}

type captureListener struct {
	verdicts []capturedVerdict
}

func (l *captureListener) OnVerdict(callID string, verdict *Verdict) {
	l.verdicts = append(l.verdicts, capturedVerdict{callID: callID, verdict: verdict})
}

// feed pushes a sequence of chunks into the detector and returns the last
// non-nil verdict.
func feed(d *Detector, callID string, chunks [][]byte) *Verdict {
	var last *Verdict
	ts := time.Now()
	for i, chunk := range chunks {
		if v := d.ObserveChunk(callID, chunk, ts.Add(time.Duration(i)*160*time.Millisecond)); v != nil {
			last = v
		}
	}
	return last
}

func TestObserveChunkWarmupWindow(t *testing.T) {
	d := NewDetector(testLogger(), DetectorConfig{}, nil, nil)

	// 5 chunks = 800ms, below the 1000ms warm-up.
	for i := 0; i < 5; i++ {
		v := d.ObserveChunk("call-1", speechChunk(0.5), time.Now())
		assert.Nil(t, v, "No verdict before the warm-up window elapses")
	}

	_, ok := d.Result("call-1")
	assert.False(t, ok, "No verdict of record before warm-up")
}

func TestObserveChunkSilencePattern(t *testing.T) {
	listener := &captureListener{}
	d := NewDetector(testLogger(), DetectorConfig{}, nil, listener)

	// Greeting-pause cycle: three bursts of speech separated by long
	// silences (>1500ms each), overall silence ratio well above 0.3.
	var chunks [][]byte
	for burst := 0; burst < 3; burst++ {
		for i := 0; i < 3; i++ {
			chunks = append(chunks, speechChunk(0.6))
		}
		for i := 0; i < 11; i++ { // 1760ms of silence
			chunks = append(chunks, silenceChunk())
		}
	}
	chunks = append(chunks, speechChunk(0.6))

	verdict := feed(d, "call-machine", chunks)

	require.NotNil(t, verdict)
	assert.True(t, verdict.IsAnsweringMachine)
	assert.GreaterOrEqual(t, verdict.Confidence, 0.8)
	assert.Equal(t, MethodSilencePattern, verdict.DetectionMethod)
	assert.GreaterOrEqual(t, verdict.Indicators.SilenceGaps, 3)
	assert.NotEmpty(t, verdict.Reasoning)

	recorded, ok := d.Result("call-machine")
	require.True(t, ok, "Surfaced verdict becomes the verdict of record")
	assert.Equal(t, verdict, recorded)
	assert.NotEmpty(t, listener.verdicts, "Surfaced verdicts reach the listener")
}

func TestObserveChunkFlatEnergyIsMachine(t *testing.T) {
	d := NewDetector(testLogger(), DetectorConfig{}, nil, nil)

	// Identical chunks carry zero energy variation.
	var chunks [][]byte
	for i := 0; i < 16; i++ {
		chunks = append(chunks, speechChunk(0.5))
	}

	verdict := feed(d, "call-flat", chunks)

	require.NotNil(t, verdict)
	assert.True(t, verdict.IsAnsweringMachine)
	assert.Equal(t, MethodEnergyPattern, verdict.DetectionMethod)
	assert.InDelta(t, 0.75, verdict.Confidence, 0.001)
}

func TestObserveChunkLongMonologueIsMachine(t *testing.T) {
	listener := &captureListener{}
	// The quick-answer threshold is raised so the early window stays
	// neutral; the floor is lowered below the monologue confidence.
	d := NewDetector(testLogger(), DetectorConfig{
		MinConfidence:   0.65,
		ShortCallEnergy: 0.95,
	}, nil, listener)

	// 100 varied-amplitude speech chunks = 16s of continuous voice with no
	// silence gaps: only the monologue rule can match.
	var chunks [][]byte
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			chunks = append(chunks, speechChunk(0.7))
		} else {
			chunks = append(chunks, speechChunk(0.25))
		}
	}

	verdict := feed(d, "call-monologue", chunks)

	require.NotNil(t, verdict)
	assert.True(t, verdict.IsAnsweringMachine)
	assert.InDelta(t, 0.7, verdict.Confidence, 0.001)
	assert.Equal(t, MethodDurationPattern, verdict.DetectionMethod)
	assert.Greater(t, verdict.Indicators.VoiceDuration, 15*time.Second)
	assert.NotEmpty(t, verdict.Reasoning)

	recorded, ok := d.Result("call-monologue")
	require.True(t, ok)
	assert.Equal(t, verdict, recorded)
	assert.NotEmpty(t, listener.verdicts)
}

func TestObserveChunkLongMonologueBelowDefaultFloor(t *testing.T) {
	listener := &captureListener{}
	d := NewDetector(testLogger(), DetectorConfig{ShortCallEnergy: 0.95}, nil, listener)

	var chunks [][]byte
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			chunks = append(chunks, speechChunk(0.7))
		} else {
			chunks = append(chunks, speechChunk(0.25))
		}
	}

	// At the default 0.7 floor the 0.7-confidence monologue verdict is
	// computed but never surfaced.
	verdict := feed(d, "call-held", chunks)

	assert.Nil(t, verdict)
	_, ok := d.Result("call-held")
	assert.False(t, ok)
	assert.Empty(t, listener.verdicts)
}

func TestObserveChunkQuickEnergeticAnswerIsHuman(t *testing.T) {
	d := NewDetector(testLogger(), DetectorConfig{}, nil, nil)

	// 8 chunks = 1280ms: past warm-up, inside the 2000ms quick-answer
	// window. Alternating amplitude keeps energy variation human-like.
	var chunks [][]byte
	for i := 0; i < 8; i++ {
		if i%2 == 0 {
			chunks = append(chunks, speechChunk(0.8))
		} else {
			chunks = append(chunks, speechChunk(0.3))
		}
	}

	verdict := feed(d, "call-human", chunks)

	require.NotNil(t, verdict)
	assert.False(t, verdict.IsAnsweringMachine)
	assert.GreaterOrEqual(t, verdict.Confidence, 0.8)
	assert.Equal(t, MethodDurationPattern, verdict.DetectionMethod)
}

func TestObserveChunkConversationalPausesAreHuman(t *testing.T) {
	d := NewDetector(testLogger(), DetectorConfig{}, nil, nil)

	// Varied speech with short conversational pauses: 4 single-chunk gaps
	// (160ms each, meaningful but not long), silence ratio under 0.3.
	var chunks [][]byte
	amp := []float64{0.8, 0.3, 0.7, 0.2}
	for group := 0; group < 4; group++ {
		for i := 0; i < 4; i++ {
			chunks = append(chunks, speechChunk(amp[(group+i)%len(amp)]))
		}
		chunks = append(chunks, silenceChunk())
	}
	chunks = append(chunks, speechChunk(0.8))

	verdict := feed(d, "call-pauses", chunks)

	require.NotNil(t, verdict)
	assert.False(t, verdict.IsAnsweringMachine)
	assert.Equal(t, MethodVoicePattern, verdict.DetectionMethod)
	assert.InDelta(t, 0.75, verdict.Confidence, 0.001)
	assert.Greater(t, len(verdict.Indicators.PauseDurations), 3)
}

func TestClearCallData(t *testing.T) {
	d := NewDetector(testLogger(), DetectorConfig{}, nil, nil)

	var chunks [][]byte
	for i := 0; i < 16; i++ {
		chunks = append(chunks, speechChunk(0.5))
	}
	verdict := feed(d, "call-clear", chunks)
	require.NotNil(t, verdict)

	_, ok := d.Result("call-clear")
	require.True(t, ok)

	d.ClearCallData("call-clear")

	_, ok = d.Result("call-clear")
	assert.False(t, ok, "Cleared calls have no verdict of record")
	assert.Equal(t, 0, d.SystemStats().ActiveCalls)

	// Clearing an unknown call is a no-op.
	d.ClearCallData("never-seen")
}

func TestSystemStats(t *testing.T) {
	d := NewDetector(testLogger(), DetectorConfig{}, nil, nil)

	var machine [][]byte
	for i := 0; i < 16; i++ {
		machine = append(machine, speechChunk(0.5))
	}
	require.NotNil(t, feed(d, "call-a", machine))

	d.ObserveTranscript("call-b", "Hello? Who is this?", nil)

	stats := d.SystemStats()
	assert.Equal(t, 2, stats.ActiveCalls)
	assert.GreaterOrEqual(t, stats.MachineDetections, int64(1))
	assert.GreaterOrEqual(t, stats.HumanDetections, int64(1))
	assert.Greater(t, stats.AverageConfidence, 0.7)
}

func TestDetectorConfigDefaults(t *testing.T) {
	cfg := DetectorConfig{MinConfidence: 0.9}
	cfg.applyDefaults()

	assert.Equal(t, 0.9, cfg.MinConfidence, "Explicit values survive")
	assert.Equal(t, 1000*time.Millisecond, cfg.WarmupWindow)
	assert.Equal(t, 0.30, cfg.SilenceRatio)
	assert.Equal(t, 15000*time.Millisecond, cfg.LongMonologue)
}

func TestObserveChunkUsesInjectedExtractor(t *testing.T) {
	ex := audio.NewExtractor(audio.ExtractorConfig{
		SampleRate:     8000,
		ChunkDuration:  160 * time.Millisecond,
		VoiceThreshold: 0.9, // Nothing clears this threshold
	})
	d := NewDetector(testLogger(), DetectorConfig{}, ex, nil)

	var chunks [][]byte
	for i := 0; i < 16; i++ {
		chunks = append(chunks, speechChunk(0.5))
	}
	verdict := feed(d, "call-thresh", chunks)

	// Every chunk reads as silence under the injected threshold, so the
	// single all-call gap trips the flat-energy rule, not the silence rule.
	require.NotNil(t, verdict)
	assert.True(t, verdict.IsAnsweringMachine)
}
