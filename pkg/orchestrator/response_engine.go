package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aethon-voice/aethon-core/pkg/metrics"
)

const ttsFadeDuration = 50 * time.Millisecond

// segRequest is one queued TTS request: prepared text plus the emotion
// preset to synthesize it with. A nil *segRequest on the channel is the
// end-of-stream sentinel.
type segRequest struct {
	text   string
	preset EmotionPreset
}

// audioFrame is one queued block of PCM samples for playback. A frame
// with final set to true is the end-of-stream sentinel and carries no
// samples.
type audioFrame struct {
	samples []float32
	final   bool
}

// ResponseEngine drives one conversational turn: an LLM producer streams
// sentences, a TTS worker turns each into audio, a playback worker drains
// audio to the caller-supplied sink. The three roles are connected by two
// bounded channels and share one cancellable context, so a single Cancel
// call unwinds all three within a bounded join.
type ResponseEngine struct {
	llm     LLMProvider
	tts     TTSProvider
	logger  Logger
	metrics *metrics.Registry

	segQueueDepth   int
	audioQueueDepth int
	sampleRate      int

	cancel context.CancelFunc
}

func NewResponseEngine(llm LLMProvider, tts TTSProvider, cfg Config, logger Logger, reg *metrics.Registry) *ResponseEngine {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	segQ := cfg.SegQueueDepth
	if segQ <= 0 {
		segQ = 8
	}
	audioQ := cfg.AudioQueueDepth
	if audioQ <= 0 {
		audioQ = 8
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = 44100
	}
	return &ResponseEngine{
		llm:             llm,
		tts:             tts,
		logger:          logger,
		metrics:         reg,
		segQueueDepth:   segQ,
		audioQueueDepth: audioQ,
		sampleRate:      sr,
	}
}

// Run executes one turn to completion (or cancellation): it streams the
// LLM's response, synthesizes each segment, and calls play for every
// audio frame in order. play is called from the playback worker's
// goroutine, never concurrently. Run returns when the turn finishes, the
// parent ctx is cancelled, or Cancel is called — whichever comes first —
// joining all three workers within a ~10s bound.
func (re *ResponseEngine) Run(ctx context.Context, voice Voice, lang Language, play func(samples []float32) error) error {
	turnCtx, cancel := context.WithCancel(ctx)
	re.cancel = cancel
	defer cancel()

	segQ := make(chan *segRequest, re.segQueueDepth)
	audioQ := make(chan audioFrame, re.audioQueueDepth)
	turnStart := time.Now()

	g, gctx := errgroup.WithContext(turnCtx)

	g.Go(func() error {
		return re.runLLMProducer(turnCtx, segQ, turnStart)
	})
	g.Go(func() error {
		return re.runTTSWorker(turnCtx, voice, lang, segQ, audioQ, turnStart)
	})
	g.Go(func() error {
		return re.runPlaybackWorker(turnCtx, audioQ, play)
	})
	_ = gctx

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-gctx.Done():
		cancel()
	}
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		return ErrContextCancelled
	}
}

// Cancel aborts the in-flight turn, if any. Safe to call concurrently
// with Run and safe to call more than once.
func (re *ResponseEngine) Cancel() {
	if re.cancel != nil {
		re.cancel()
	}
	re.llm.Cancel()
	re.tts.Abort()
}

func (re *ResponseEngine) runLLMProducer(ctx context.Context, segQ chan<- *segRequest, turnStart time.Time) error {
	defer func() {
		select {
		case segQ <- nil:
		case <-ctx.Done():
		}
	}()

	sentences, err := re.llm.GenerateStream(ctx)
	if err != nil {
		return err
	}
	firstToken := true
	for sentence := range sentences {
		if firstToken {
			firstToken = false
			if re.metrics != nil {
				re.metrics.ObserveTurnStage("llm_first_token", time.Since(turnStart))
			}
		}
		for _, seg := range ParseEmotionTags(sentence) {
			prepared := PrepareForTTS(seg.Text)
			if prepared == "" {
				continue
			}
			req := &segRequest{text: prepared, preset: seg.Preset}
			select {
			case segQ <- req:
				if re.metrics != nil {
					re.metrics.SegQueueDepth.Set(float64(len(segQ)))
				}
			case <-ctx.Done():
				return nil
			}
		}
	}
	return nil
}

func (re *ResponseEngine) runTTSWorker(ctx context.Context, voice Voice, lang Language, segQ <-chan *segRequest, audioQ chan<- audioFrame, turnStart time.Time) error {
	defer func() {
		select {
		case audioQ <- audioFrame{final: true}:
		case <-ctx.Done():
		}
	}()

	firstAudio := true
	for {
		select {
		case req := <-segQ:
			if re.metrics != nil {
				re.metrics.SegQueueDepth.Set(float64(len(segQ)))
			}
			if req == nil {
				return nil
			}
			samples, err := re.synthesizeSegment(ctx, req, voice, lang)
			if err != nil {
				re.logger.Warn("tts segment failed", "error", err)
				continue
			}
			applyFade(samples, re.sampleRate, ttsFadeDuration)
			if firstAudio {
				firstAudio = false
				if re.metrics != nil {
					re.metrics.ObserveTurnStage("tts_first_audio", time.Since(turnStart))
				}
			}
			select {
			case audioQ <- audioFrame{samples: samples}:
				if re.metrics != nil {
					re.metrics.AudioQueueDepth.Set(float64(len(audioQ)))
				}
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (re *ResponseEngine) synthesizeSegment(ctx context.Context, req *segRequest, voice Voice, lang Language) ([]float32, error) {
	preset := req.preset
	var pcm []byte
	err := re.tts.StreamSynthesize(ctx, req.text, voice, lang, &preset, func(chunk []byte) error {
		pcm = append(pcm, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pcm16ToFloat32(pcm), nil
}

func (re *ResponseEngine) runPlaybackWorker(ctx context.Context, audioQ <-chan audioFrame, play func([]float32) error) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case frame := <-audioQ:
			if re.metrics != nil {
				re.metrics.AudioQueueDepth.Set(float64(len(audioQ)))
			}
			if frame.final {
				return nil
			}
			if err := play(frame.samples); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Idle tick: re-checks ctx.Done() on the next loop so a
			// cancellation is observed even if audioQ never produces.
		}
	}
}

// pcm16ToFloat32 decodes little-endian signed 16-bit PCM into [-1,1]
// float32 samples.
func pcm16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		out[i] = float32(v) / 32768.0
	}
	return out
}

// applyFade applies a linear fade-in and fade-out of duration d to
// samples at the given sample rate, in place, to suppress seam clicks
// between adjacent TTS segments.
func applyFade(samples []float32, sampleRate int, d time.Duration) {
	n := int(float64(sampleRate) * d.Seconds())
	if n <= 0 || len(samples) == 0 {
		return
	}
	if n > len(samples)/2 {
		n = len(samples) / 2
	}
	for i := 0; i < n; i++ {
		gain := float32(i) / float32(n)
		samples[i] *= gain
		samples[len(samples)-1-i] *= gain
	}
}
