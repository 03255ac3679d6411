package orchestrator

import "strings"

const sentenceTerminators = ".!?…\n"

// SentenceSegmenter cuts a raw LLM token stream into TTS-ready sentences.
// Feed is called once per token/delta; it returns the sentences that
// became ready to speak, in order. Flush returns whatever remains in the
// buffer at end of stream, unconditionally.
//
// Two split strategies compete, primary first: cut at the last sentence
// terminator in the buffer; failing that, cut at the last comma or
// semicolon once the buffer holds at least earlyMinBuffer characters and
// the candidate cut sits at or past earlyMinCut, so a provider doesn't
// dribble out tiny fragments.
type SentenceSegmenter struct {
	buf           strings.Builder
	earlyMinBuf   int
	earlyMinCut   int
}

func NewSentenceSegmenter(earlyMinBuffer, earlyMinCut int) *SentenceSegmenter {
	if earlyMinBuffer <= 0 {
		earlyMinBuffer = 60
	}
	if earlyMinCut <= 0 {
		earlyMinCut = 20
	}
	return &SentenceSegmenter{earlyMinBuf: earlyMinBuffer, earlyMinCut: earlyMinCut}
}

// Feed appends a token delta and returns zero or more ready segments.
// The primary split cuts at the last terminator, so all complete
// sentences in the buffer come out together as one segment; Feed then
// loops so the remaining tail can still take an early split.
func (s *SentenceSegmenter) Feed(delta string) []string {
	s.buf.WriteString(delta)
	var out []string
	for {
		sentence, rest, ok := s.splitOnce(s.buf.String())
		if !ok {
			break
		}
		out = append(out, sentence)
		s.buf.Reset()
		s.buf.WriteString(rest)
	}
	return out
}

// Flush returns any buffered text regardless of whether it ends on a
// boundary, clearing the buffer. Called unconditionally at end of stream.
func (s *SentenceSegmenter) Flush() string {
	rest := s.buf.String()
	s.buf.Reset()
	return rest
}

func (s *SentenceSegmenter) splitOnce(buffer string) (sentence, rest string, ok bool) {
	if sentence, rest, ok = splitAtLastSentence(buffer); ok {
		return
	}
	return s.splitEarly(buffer)
}

// splitAtLastSentence finds the rightmost sentence-terminator in buffer and
// splits just after it, provided the part before the cut is not blank.
// The remainder may be empty.
func splitAtLastSentence(buffer string) (sentence, rest string, ok bool) {
	idx := strings.LastIndexAny(buffer, sentenceTerminators)
	if idx < 0 {
		return "", buffer, false
	}
	sentence = buffer[:idx+1]
	rest = buffer[idx+1:]
	if strings.TrimSpace(sentence) == "" {
		return "", buffer, false
	}
	return sentence, rest, true
}

// splitEarly is the fallback used while waiting for a sentence terminator:
// once the buffer has grown long enough, cut at the last comma or
// semicolon so the TTS worker isn't starved on a long clause.
func (s *SentenceSegmenter) splitEarly(buffer string) (sentence, rest string, ok bool) {
	if len(buffer) < s.earlyMinBuf {
		return "", buffer, false
	}
	idx := strings.LastIndexAny(buffer, ",;")
	if idx < s.earlyMinCut {
		return "", buffer, false
	}
	return buffer[:idx+1], buffer[idx+1:], true
}
