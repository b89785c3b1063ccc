package amd

import (
	"fmt"
	"strings"

	"callsignal-server/pkg/audio"
)

// Machine-indicative phrases. Formal greetings escalate confidence because
// they open virtually every voicemail prompt.
var formalGreetings = []string{
	"you have reached",
	"you've reached",
	"thank you for calling",
	"has llamado a",
	"usted ha llamado",
	"vous êtes bien",
}

var machineKeywords = []string{
	"leave a message",
	"leave your message",
	"voicemail",
	"voice mail",
	"after the tone",
	"after the beep",
	"at the tone",
	"is not available",
	"not available right now",
	"unable to take your call",
	"record your message",
	"mailbox",
	"press pound",
	"deje su mensaje",
	"buzón de voz",
	"después del tono",
	"laissez un message",
	"boîte vocale",
	"après le bip",
}

// Human-indicative short replies.
var humanKeywords = []string{
	"hello",
	"hi ",
	"hey",
	"yes",
	"yeah",
	"who is this",
	"who's this",
	"who is calling",
	"hold on",
	"one moment",
	"just a sec",
	"speaking",
	"this is",
	"hola",
	"dígame",
	"allô",
	"oui",
}

// classifyTranscript applies the ordered transcript rule ladder.
func (d *Detector) classifyTranscript(transcript string, samples []audio.AudioMetricSample) *Verdict {
	normalized := strings.ToLower(strings.TrimSpace(transcript))
	words := strings.Fields(normalized)
	wordCount := len(words)

	matchedMachine := matchPhrases(normalized, machineKeywords)
	matchedGreetings := matchPhrases(normalized, formalGreetings)
	matchedHuman := matchPhrases(normalized, humanKeywords)

	w := d.analyzeWindow(samples)

	indicators := Indicators{
		SilenceGaps:    len(w.silences),
		AvgEnergy:      w.avgEnergy,
		VoiceDuration:  w.voiceDuration,
		SpeechRate:     float64(wordCount),
		PauseDurations: w.pauses,
		TonalVariation: w.tonalVariation,
	}

	longPauses := 0
	for _, gap := range w.silences {
		if gap > d.config.LongSilence {
			longPauses++
		}
	}

	switch {
	case len(matchedMachine) > 0 || len(matchedGreetings) > 0:
		confidence := 0.9
		if len(matchedGreetings) > 0 {
			confidence = 0.95
		}
		indicators.Keywords = append(matchedGreetings, matchedMachine...)
		return &Verdict{
			IsAnsweringMachine: true,
			Confidence:         confidence,
			DetectionMethod:    MethodKeywordPattern,
			Indicators:         indicators,
			Reasoning: fmt.Sprintf("transcript contains machine phrases: %s",
				strings.Join(indicators.Keywords, ", ")),
		}

	case len(matchedHuman) > 0 && wordCount < d.config.HumanWordLimit:
		indicators.Keywords = matchedHuman
		return &Verdict{
			IsAnsweringMachine: false,
			Confidence:         0.85,
			DetectionMethod:    MethodKeywordPattern,
			Indicators:         indicators,
			Reasoning: fmt.Sprintf("short reply (%d words) with human phrases: %s",
				wordCount, strings.Join(matchedHuman, ", ")),
		}

	case wordCount > d.config.LongTranscriptWords && len(samples) > 0 && longPauses < 2:
		return &Verdict{
			IsAnsweringMachine: true,
			Confidence:         0.8,
			DetectionMethod:    MethodDurationPattern,
			Indicators:         indicators,
			Reasoning: fmt.Sprintf("%d words with only %d long pauses resembles an uninterrupted announcement",
				wordCount, longPauses),
		}

	case w.tonalSamples > 0 && w.tonalVariation < d.config.MonotoneThreshold:
		return &Verdict{
			IsAnsweringMachine: true,
			Confidence:         0.75,
			DetectionMethod:    MethodVoicePattern,
			Indicators:         indicators,
			Reasoning: fmt.Sprintf("tonal variation %.3f is monotone, machine-like delivery",
				w.tonalVariation),
		}

	case wordCount < d.config.ShortReplyWords && len(matchedHuman) > 0:
		indicators.Keywords = matchedHuman
		return &Verdict{
			IsAnsweringMachine: false,
			Confidence:         0.8,
			DetectionMethod:    MethodKeywordPattern,
			Indicators:         indicators,
			Reasoning:          fmt.Sprintf("very short reply (%d words) with human phrases", wordCount),
		}
	}

	return &Verdict{
		IsAnsweringMachine: false,
		Confidence:         0.5,
		DetectionMethod:    MethodKeywordPattern,
		Indicators:         indicators,
		Reasoning:          "no transcript heuristic matched, insufficient evidence",
	}
}

func matchPhrases(text string, phrases []string) []string {
	var matched []string
	for _, phrase := range phrases {
		if strings.Contains(text, phrase) {
			matched = append(matched, strings.TrimSpace(phrase))
		}
	}
	return matched
}
