package orchestrator

import (
	"regexp"
	"strings"
)

var (
	mdLinkRe       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	rawURLRe       = regexp.MustCompile(`https?://\S+`)
	mdBoldItalicRe = regexp.MustCompile(`\*{1,2}([^*]+)\*{1,2}`)
	backtickRe     = regexp.MustCompile("`([^`]+)`")
	leadingDashRe  = regexp.MustCompile(`(?m)^[\-\*]\s+`)
	longDashRe     = regexp.MustCompile(`\s*[—–]\s*`)

	trailingEllipsisRe = regexp.MustCompile(`\.\.\.\s*$`)

	breathBeforeRe = regexp.MustCompile(
		`(?i)(?:mais|cependant|toutefois|néanmoins|pourtant|` +
			`donc|alors|ensuite|puis|sinon|d'ailleurs|en fait|` +
			`parce que|puisque|car|afin que|pour que)\b`)
	interjectionRe = regexp.MustCompile(
		`(?i)\b(ah|oh|eh|hmm|bon|ben|bref|enfin|tiens|bah|euh|hein|allons|voyons|` +
			`dis donc|quand même|du coup)\b`)

	doubleCommaRe = regexp.MustCompile(`,\s*,`)
	multiSpaceRe  = regexp.MustCompile(`\s{2,}`)
)

// PrepareForTTS runs the full text-preparation pipeline on one segment:
// artifact cleanup, prosody-oriented punctuation normalization, breath
// pauses, then whitespace collapse. Returns "" if nothing remains, a
// signal to the caller to drop the segment.
func PrepareForTTS(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	text = cleanLLMArtifacts(text)
	text = normalizePunctuationForProsody(text)
	text = addBreathPauses(text)
	text = normalizeWhitespace(text)
	return strings.TrimSpace(text)
}

func cleanLLMArtifacts(text string) string {
	text = mdLinkRe.ReplaceAllString(text, "$1")
	text = rawURLRe.ReplaceAllString(text, "")
	text = mdBoldItalicRe.ReplaceAllString(text, "$1")
	text = backtickRe.ReplaceAllString(text, "$1")
	text = leadingDashRe.ReplaceAllString(text, "")
	text = longDashRe.ReplaceAllString(text, ", ")
	return text
}

func normalizePunctuationForProsody(text string) string {
	text = strings.ReplaceAll(text, "…", "...")
	text = trailingEllipsisRe.ReplaceAllString(text, ".")
	text = strings.ReplaceAll(text, "...", ",")
	text = strings.ReplaceAll(text, ";", ",")
	text = strings.ReplaceAll(text, ":", ",")
	return text
}

func addBreathPauses(text string) string {
	text = insertCommaBeforeConnectors(text)
	text = insertCommaAfterInterjections(text)
	return text
}

// insertCommaAfterInterjections appends "," right after a bare
// interjection, unless it's already followed by punctuation (Go's RE2
// regexp has no lookahead, so the punctuation check is done manually).
func insertCommaAfterInterjections(text string) string {
	loc := interjectionRe.FindAllStringIndex(text, -1)
	if loc == nil {
		return text
	}
	var b strings.Builder
	prev := 0
	for _, m := range loc {
		end := m[1]
		if end < len(text) {
			next := strings.TrimLeft(text[end:], "")
			if len(next) > 0 && strings.ContainsRune(",.!?;:", rune(next[0])) {
				continue
			}
		}
		b.WriteString(text[prev:end])
		b.WriteString(",")
		prev = end
	}
	b.WriteString(text[prev:])
	return b.String()
}

// insertCommaBeforeConnectors inserts ", " ahead of a logical connector
// that directly follows a word, without double-inserting when the
// connector already sits at the start of the segment or after
// punctuation.
func insertCommaBeforeConnectors(text string) string {
	loc := breathBeforeRe.FindAllStringIndex(text, -1)
	if loc == nil {
		return text
	}
	var b strings.Builder
	prev := 0
	for _, m := range loc {
		start := m[0]
		if start == 0 {
			continue
		}
		preceding := text[:start]
		trimmed := strings.TrimRight(preceding, " ")
		if trimmed == "" {
			continue
		}
		last := rune(trimmed[len(trimmed)-1])
		if !isWordRune(last) {
			continue
		}
		b.WriteString(text[prev:len(trimmed)])
		b.WriteString(", ")
		prev = start
	}
	b.WriteString(text[prev:])
	return b.String()
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		strings.ContainsRune("àâéèêëîïôûùüç", r)
}

func normalizeWhitespace(text string) string {
	text = doubleCommaRe.ReplaceAllString(text, ",")
	text = multiSpaceRe.ReplaceAllString(text, " ")
	return text
}
