package orchestrator

import "context"

// UtteranceCollector assembles a run of capture chunks into one
// concatenated PCM buffer, gated by a VAD model and a trailing-silence
// timeout. It optionally accepts a barge-in prefix (chunks already known
// to be speech, captured during barge-in confirmation) so that audio
// isn't lost across the transition from Speaking back to Listening.
type UtteranceCollector struct {
	vad              VADProvider
	chunkDurationMS  int
	silenceTimeoutMS int
	minSpeechMS      int
}

func NewUtteranceCollector(vad VADProvider, cfg Config, chunkDurationMS int) *UtteranceCollector {
	if chunkDurationMS <= 0 {
		chunkDurationMS = 32
	}
	return &UtteranceCollector{
		vad:              vad,
		chunkDurationMS:  chunkDurationMS,
		silenceTimeoutMS: cfg.SilenceTimeoutMS,
		minSpeechMS:      cfg.MinSpeechMS,
	}
}

// ChunkSource yields the next capture chunk, or an error (including
// ctx.Err()) when none is available.
type ChunkSource func(ctx context.Context) ([]byte, error)

// Collect reads chunks from next (after first replaying prefix, if any)
// until silenceTimeoutMS of trailing silence accumulates or next errors.
// It returns the concatenated PCM buffer and true if speechMS reached
// minSpeechMS; otherwise the buffer is discarded and ok is false.
func (u *UtteranceCollector) Collect(ctx context.Context, prefix [][]byte, next ChunkSource) (buf []byte, ok bool) {
	var speechMS, silenceMS int

	feed := func(chunk []byte, knownSpeech bool) bool {
		buf = append(buf, chunk...)
		isSpeech := knownSpeech
		if !knownSpeech {
			event, err := u.vad.Process(chunk)
			if err == nil {
				if rv, isRMS := u.vad.(*RMSVAD); isRMS {
					isSpeech = rv.IsSpeaking()
				} else if event != nil {
					isSpeech = event.Type == VADSpeechStart
				}
			}
		}
		if isSpeech {
			speechMS += u.chunkDurationMS
			silenceMS = 0
		} else {
			silenceMS += u.chunkDurationMS
		}
		return silenceMS >= u.silenceTimeoutMS
	}

	for _, chunk := range prefix {
		if feed(chunk, true) {
			return u.finish(buf, speechMS)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return u.finish(buf, speechMS)
		default:
		}
		chunk, err := next(ctx)
		if err != nil {
			return u.finish(buf, speechMS)
		}
		if feed(chunk, false) {
			return u.finish(buf, speechMS)
		}
	}
}

func (u *UtteranceCollector) finish(buf []byte, speechMS int) ([]byte, bool) {
	if speechMS < u.minSpeechMS {
		return nil, false
	}
	return buf, true
}
