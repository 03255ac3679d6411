package orchestrator

import (
	"regexp"
	"strings"
)

// EmotionPreset carries the three TTS synthesis parameters a tagged
// emotion maps to: exaggeration in [0,2], cfg_weight in [0,1], temperature
// in [0,2].
type EmotionPreset struct {
	Exaggeration float64
	CfgWeight    float64
	Temperature  float64
}

// Emotion is one of the eight fixed emotion keys recognized in [tag]
// markers or produced by the punctuation fallback.
type Emotion string

const (
	EmotionNeutre  Emotion = "neutre"
	EmotionJoyeux  Emotion = "joyeux"
	EmotionTriste  Emotion = "triste"
	EmotionSurpris Emotion = "surpris"
	EmotionTaquin  Emotion = "taquin"
	EmotionSerieux Emotion = "serieux"
	EmotionDoux    Emotion = "doux"
	EmotionExcite  Emotion = "excite"
)

const DefaultEmotion = EmotionNeutre

var emotionPresets = map[Emotion]EmotionPreset{
	EmotionNeutre:  {Exaggeration: 0.45, CfgWeight: 0.50, Temperature: 0.80},
	EmotionJoyeux:  {Exaggeration: 0.85, CfgWeight: 0.30, Temperature: 0.90},
	EmotionTriste:  {Exaggeration: 0.35, CfgWeight: 0.60, Temperature: 0.70},
	EmotionSurpris: {Exaggeration: 0.90, CfgWeight: 0.25, Temperature: 0.95},
	EmotionTaquin:  {Exaggeration: 0.75, CfgWeight: 0.35, Temperature: 0.90},
	EmotionSerieux: {Exaggeration: 0.30, CfgWeight: 0.65, Temperature: 0.70},
	EmotionDoux:    {Exaggeration: 0.40, CfgWeight: 0.45, Temperature: 0.75},
	EmotionExcite:  {Exaggeration: 0.95, CfgWeight: 0.20, Temperature: 1.00},
}

// PresetFor returns the synthesis preset for an emotion key, defaulting to
// neutre for anything unrecognized.
func PresetFor(e Emotion) EmotionPreset {
	if p, ok := emotionPresets[e]; ok {
		return p
	}
	return emotionPresets[DefaultEmotion]
}

var emotionTagRe = regexp.MustCompile(`(?i)\[(neutre|joyeux|triste|surpris|taquin|serieux|doux|excite)\]`)

// EmotionSegment pairs a span of text with the emotion it should be
// synthesized with.
type EmotionSegment struct {
	Text    string
	Emotion Emotion
	Preset  EmotionPreset
}

// ParseEmotionTags splits text at each [tag] marker into emotion-tagged
// segments. Text preceding the first tag (or the whole text, if no tag is
// present) is classified by the punctuation heuristic. Empty segments
// (after trimming) are dropped.
func ParseEmotionTags(text string) []EmotionSegment {
	matches := emotionTagRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		e := detectPunctuationEmotion(text)
		cleaned := strings.TrimSpace(text)
		if cleaned == "" {
			return nil
		}
		return []EmotionSegment{{Text: cleaned, Emotion: e, Preset: PresetFor(e)}}
	}

	var segments []EmotionSegment

	if matches[0][0] > 0 {
		prefix := strings.TrimSpace(text[:matches[0][0]])
		if prefix != "" {
			e := detectPunctuationEmotion(prefix)
			segments = append(segments, EmotionSegment{Text: prefix, Emotion: e, Preset: PresetFor(e)})
		}
	}

	for i, m := range matches {
		key := Emotion(strings.ToLower(text[m[2]:m[3]]))
		start := m[1]
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		segText := strings.TrimSpace(text[start:end])
		if segText == "" {
			continue
		}
		if _, ok := emotionPresets[key]; !ok {
			key = DefaultEmotion
		}
		segments = append(segments, EmotionSegment{Text: segText, Emotion: key, Preset: PresetFor(key)})
	}
	return segments
}

// detectPunctuationEmotion is the fallback applied when no [tag] marker is
// present: terminal exclamation/question density gives a weak delivery
// signal. Questions stay neutre — the `?` already carries rising
// intonation.
func detectPunctuationEmotion(text string) Emotion {
	excl := strings.Count(text, "!")
	quest := strings.Count(text, "?")
	switch {
	case excl >= 2:
		return EmotionExcite
	case excl >= 1 && quest >= 1:
		return EmotionSurpris
	case excl == 1:
		return EmotionJoyeux
	default:
		return DefaultEmotion
	}
}

var collapseSpaceRe = regexp.MustCompile(`\s{2,}`)

// StripEmotionTags removes every [tag] marker from text and collapses the
// resulting double spaces, for display or conversation-history storage.
func StripEmotionTags(text string) string {
	stripped := emotionTagRe.ReplaceAllString(text, "")
	return strings.TrimSpace(collapseSpaceRe.ReplaceAllString(stripped, " "))
}
