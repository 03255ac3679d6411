package orchestrator

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aethon-voice/aethon-core/pkg/metrics"
)

// Capturer is the audio device surface the pipeline drives: a single
// capture queue feeding either the wake/VAD path or the barge-in
// monitor, and a single playback writer. It matches
// *audio.DeviceManager's method set structurally so this package never
// imports pkg/audio (which already imports this one for the normalizer
// and logger types).
type Capturer interface {
	StartCapture() error
	StopCapture() error
	GetChunk(ctx context.Context, timeout time.Duration) ([]byte, error)
	DrainCaptureQueue()
	IsPlaying() bool
	PlayStream(ctx context.Context, chunks <-chan []float32) error
	StopPlayback()
	Close()
}

// textInjection is one queued programmatic turn: text in, optionally
// synthesized audio out, routed through the main loop so it shares the
// LLM mutex and state machine discipline with voice-originated turns.
type textInjection struct {
	text      string
	wantAudio bool
	result    chan textResult
}

type textResult struct {
	response string
	audio    []byte
	err      error
}

// Pipeline is the top-level, single-threaded state machine described by
// the main loop: drain text injection, pull a capture chunk, detect wake
// or speech, collect an utterance, and run one turn through the
// Response Engine, returning to Idle. request_stop and barge-in are the
// only things that reach across goroutines into this loop.
type Pipeline struct {
	cfg     Config
	capture Capturer
	stt     STTProvider
	llm     LLMProvider
	tts     TTSProvider
	wake    WakeProvider
	vad     VADProvider
	memory  MemoryStore
	logger  Logger
	metrics *metrics.Registry

	orch    *Orchestrator
	session *ConversationSession
	sm      *StateMachine
	engine  *ResponseEngine
	utt     *UtteranceCollector
	bargein *BargeInMonitor

	llmSem chan struct{}

	running atomic.Bool
	active  atomic.Bool
	stopCh  chan struct{}
	stopOne sync.Once

	textInjectCh chan textInjection

	bargeMu  sync.Mutex
	bargeBuf [][]byte

	toolsMu  sync.RWMutex
	tools    []ToolDeclaration
	toolExec ToolExecutor
}

func NewPipeline(capture Capturer, stt STTProvider, llm LLMProvider, tts TTSProvider, wake WakeProvider, vad VADProvider, mem MemoryStore, cfg Config, logger Logger, reg *metrics.Registry) *Pipeline {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if vad == nil {
		vad = NewRMSVAD(cfg.VADThreshold, time.Duration(cfg.SilenceTimeoutMS)*time.Millisecond)
	}
	orch := NewWithVAD(stt, llm, tts, vad, cfg)
	p := &Pipeline{
		cfg:          cfg,
		capture:      capture,
		stt:          stt,
		llm:          llm,
		tts:          tts,
		wake:         wake,
		vad:          vad,
		memory:       mem,
		logger:       logger,
		metrics:      reg,
		orch:         orch,
		session:      orch.NewSessionWithDefaults(NewSessionID()),
		sm:           NewStateMachine(),
		engine:       NewResponseEngine(llm, tts, cfg, logger, reg),
		utt:          NewUtteranceCollector(vad, cfg, 32),
		bargein:      NewBargeInMonitor(vad, cfg),
		llmSem:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		textInjectCh: make(chan textInjection, 4),
	}
	if reg != nil {
		p.sm.SetObserver(func(from, to PipelineState, dwell time.Duration) {
			reg.StateTransitions.WithLabelValues(string(to)).Inc()
			reg.ObserveDwell(string(from), dwell)
		})
	}
	return p
}

// Load transitions Stopped -> Loading -> Idle, loading the TTS and wake
// backends before the main loop starts pulling capture chunks.
func (p *Pipeline) Load(ctx context.Context) error {
	if err := p.sm.Transition(StateLoading); err != nil {
		return err
	}
	if err := p.tts.Load(ctx); err != nil {
		return err
	}
	if err := p.wake.Load(ctx); err != nil {
		return err
	}
	if err := p.capture.StartCapture(); err != nil {
		return err
	}
	p.running.Store(true)
	return p.sm.Transition(StateIdle)
}

// Close releases the wake/TTS/capture resources Load acquired.
func (p *Pipeline) Close() {
	p.running.Store(false)
	p.wake.Unload()
	p.tts.Unload()
	_ = p.capture.StopCapture()
	p.capture.Close()
}

// RequestStop asks Run to return at the next loop iteration and unsticks
// any worker currently blocked on the LLM mutex or the playback writer.
func (p *Pipeline) RequestStop() {
	p.stopOne.Do(func() { close(p.stopCh) })
	p.capture.StopPlayback()
}

// Run executes the main loop until ctx is cancelled or RequestStop is
// called. It owns the capture queue's only consumer: every chunk is
// routed to exactly one of text-injection, wake detection, VAD/utterance
// collection, or the barge-in monitor, never more than one at a time.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.sm.Transition(StateStopped)

	for {
		select {
		case <-p.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		select {
		case inj := <-p.textInjectCh:
			p.handleInjection(ctx, inj)
			continue
		default:
		}

		if prefix := p.takeBargeBuffer(); prefix != nil {
			p.collectAndRespond(ctx, prefix)
			continue
		}

		chunk, err := p.capture.GetChunk(ctx, 200*time.Millisecond)
		if err != nil {
			continue
		}

		if !p.active.Load() {
			if p.wake.Detect(chunk) {
				p.activate(ctx)
			}
			continue
		}

		if !p.isSpeech(chunk) {
			continue
		}
		p.collectAndRespond(ctx, [][]byte{chunk})
	}
}

func (p *Pipeline) activate(ctx context.Context) {
	p.active.Store(true)
	p.wake.Reset()
	p.logger.Info("wake word detected")
	p.playActivationBeep(ctx)
}

// TriggerWake activates the pipeline programmatically (the /wake
// endpoint), bypassing the wake detector. It returns false if the
// pipeline was already active.
func (p *Pipeline) TriggerWake() bool {
	if !p.active.CompareAndSwap(false, true) {
		return false
	}
	p.wake.Reset()
	return true
}

func (p *Pipeline) isSpeech(chunk []byte) bool {
	event, err := p.vad.Process(chunk)
	if err != nil {
		return false
	}
	if rv, ok := p.vad.(*RMSVAD); ok {
		return rv.IsSpeaking()
	}
	return event != nil && event.Type == VADSpeechStart
}

// collectAndRespond drives one voice turn: finish assembling the
// utterance (prefix already known to be speech, plus whatever the
// collector reads off the capture queue), transcribe it, and hand the
// transcript to runTurn.
func (p *Pipeline) collectAndRespond(ctx context.Context, prefix [][]byte) {
	p.sm.Transition(StateListening)
	buf, ok := p.utt.Collect(ctx, prefix, func(c context.Context) ([]byte, error) {
		return p.capture.GetChunk(c, 500*time.Millisecond)
	})
	if !ok {
		if p.metrics != nil {
			p.metrics.UtteranceDiscards.Inc()
		}
		p.sm.Transition(StateIdle)
		return
	}

	sttStart := time.Now()
	text, err := p.stt.Transcribe(ctx, buf, p.session.GetCurrentLanguage())
	if p.metrics != nil {
		p.metrics.ObserveTurnStage("stt", time.Since(sttStart))
	}
	if err != nil || strings.TrimSpace(text) == "" {
		p.logger.Warn("transcription produced no text", "error", err)
		p.sm.Transition(StateIdle)
		return
	}

	if !p.acquireLLM(ctx) {
		p.sm.Transition(StateIdle)
		return
	}
	defer p.releaseLLM()
	p.runTurn(ctx, text)
}

// runTurn runs one full Thinking -> Speaking turn for a transcribed or
// injected user utterance, playing the synthesized response through the
// single playback writer while concurrently watching for a barge-in.
// Callers must already hold the LLM mutex.
func (p *Pipeline) runTurn(ctx context.Context, userText string) {
	p.sm.Transition(StateThinking)
	p.session.AddMessage("user", userText)
	p.llm.SetContext(p.session.SystemPrompt(), p.session.GetContextCopy())
	p.toolsMu.RLock()
	p.llm.SetTools(p.tools, p.toolExec)
	p.toolsMu.RUnlock()

	p.sm.Transition(StateSpeaking)
	p.bargein.Reset()

	turnCtx, cancel := context.WithCancel(ctx)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	var confirmed atomic.Bool

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- p.speak(turnCtx, p.session.GetCurrentVoice(), p.session.GetCurrentLanguage())
	}()

	bargeDone := make(chan [][]byte, 1)
	go func() {
		bargeDone <- p.watchBargeIn(watchCtx, func() {
			if confirmed.CompareAndSwap(false, true) {
				if p.metrics != nil {
					p.metrics.BargeInTotal.Inc()
				}
				p.llm.Cancel()
				p.tts.Abort()
				p.capture.StopPlayback()
				cancel()
				p.sm.Transition(StateListening)
			}
		})
	}()

	err := <-engineDone
	cancel()
	if !confirmed.Load() {
		stopWatch()
	}
	prefix := <-bargeDone

	if err != nil && err != ErrContextCancelled {
		p.logger.Error("response engine failed", "error", err)
	}

	if resp := p.llm.GetPartialResponse(); strings.TrimSpace(resp) != "" {
		p.session.AddMessage("assistant", resp)
	} else {
		p.orch.HandleInterruption(p.session)
	}

	p.capture.DrainCaptureQueue()
	time.Sleep(50 * time.Millisecond)
	p.capture.DrainCaptureQueue()

	if confirmed.Load() && len(prefix) > 0 {
		p.setBargeBuffer(prefix)
		return
	}
	p.sm.Transition(StateIdle)
}

// speak bridges the Response Engine's per-frame callback onto the
// Capturer's channel-based playback writer: frames are forwarded to a
// channel that PlayStream drains until it's closed or the writer is
// stopped out from under it by a barge-in.
func (p *Pipeline) speak(ctx context.Context, voice Voice, lang Language) error {
	frames := make(chan []float32, p.cfg.AudioQueueDepth)
	playErr := make(chan error, 1)
	go func() { playErr <- p.capture.PlayStream(ctx, frames) }()

	err := p.engine.Run(ctx, voice, lang, func(samples []float32) error {
		p.bargein.RecordPlayback(samples)
		select {
		case frames <- samples:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	close(frames)
	<-playErr
	return err
}

// watchBargeIn is the capture queue's sole consumer while the pipeline is
// Speaking. It feeds every chunk to the barge-in monitor until onConfirm
// fires, then keeps collecting a short grace window of chunks to hand
// back as the prefix for the interrupting utterance.
func (p *Pipeline) watchBargeIn(ctx context.Context, onConfirm func()) [][]byte {
	ring := make([][]byte, 0, p.cfg.BargeInRequiredChunks*2)
	confirmed := false
	grace := 4
	for {
		chunk, err := p.capture.GetChunk(ctx, 200*time.Millisecond)
		if err != nil {
			if ctx.Err() != nil {
				return ring
			}
			continue
		}
		ring = append(ring, chunk)
		if !confirmed {
			if len(ring) > p.cfg.BargeInRequiredChunks {
				ring = ring[len(ring)-p.cfg.BargeInRequiredChunks:]
			}
			if p.bargein.Feed(chunk) {
				confirmed = true
				onConfirm()
			}
			continue
		}
		grace--
		if grace <= 0 {
			return ring
		}
	}
}

func (p *Pipeline) takeBargeBuffer() [][]byte {
	p.bargeMu.Lock()
	defer p.bargeMu.Unlock()
	buf := p.bargeBuf
	p.bargeBuf = nil
	return buf
}

func (p *Pipeline) setBargeBuffer(buf [][]byte) {
	p.bargeMu.Lock()
	defer p.bargeMu.Unlock()
	p.bargeBuf = buf
}

// acquireLLM blocks until the LLM mutex is free, ctx is cancelled, or
// RequestStop is called.
func (p *Pipeline) acquireLLM(ctx context.Context) bool {
	select {
	case p.llmSem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	case <-p.stopCh:
		return false
	}
}

// TryAcquireLLM attempts to take the LLM mutex within timeout, the
// contract the HTTP control surface needs for /command and /speak.
func (p *Pipeline) TryAcquireLLM(timeout time.Duration) bool {
	select {
	case p.llmSem <- struct{}{}:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *Pipeline) ReleaseLLM() {
	select {
	case <-p.llmSem:
	default:
	}
}

func (p *Pipeline) releaseLLM() { p.ReleaseLLM() }

// InjectText queues a programmatic turn onto the main loop and blocks
// for its result. wantAudio requests full-utterance synthesis of the
// response for the caller, without playing it through the local
// speaker.
func (p *Pipeline) InjectText(ctx context.Context, text string, wantAudio bool) (string, []byte, error) {
	req := textInjection{text: text, wantAudio: wantAudio, result: make(chan textResult, 1)}
	select {
	case p.textInjectCh <- req:
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
	select {
	case res := <-req.result:
		return res.response, res.audio, res.err
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (p *Pipeline) handleInjection(ctx context.Context, inj textInjection) {
	acquireCtx, cancel := context.WithTimeout(ctx, time.Second)
	ok := p.acquireLLM(acquireCtx)
	cancel()
	if !ok {
		inj.result <- textResult{err: ErrLLMBusy}
		return
	}
	defer p.releaseLLM()

	p.sm.Transition(StateThinking)
	defer p.sm.Transition(StateIdle)

	p.session.AddMessage("user", inj.text)
	resp, err := p.orch.GenerateResponse(ctx, p.session)
	if err != nil {
		p.orch.HandleInterruption(p.session)
		inj.result <- textResult{err: err}
		return
	}
	p.session.AddMessage("assistant", resp)

	if !inj.wantAudio {
		inj.result <- textResult{response: resp}
		return
	}

	p.sm.Transition(StateSpeaking)
	audio, err := p.orch.SynthesizeEmotionAware(ctx, resp, p.session.GetCurrentVoice(), p.session.GetCurrentLanguage())
	inj.result <- textResult{response: resp, audio: audio, err: err}
}

// SetTools registers the tool set every subsequent turn's LLM call is
// given, shared between voice turns and HTTP-injected ones. exec is
// wrapped to record each invocation's outcome and latency against the
// pipeline's metrics registry.
func (p *Pipeline) SetTools(tools []ToolDeclaration, exec ToolExecutor) {
	p.toolsMu.Lock()
	p.tools = tools
	p.toolExec = p.instrumentToolExecutor(exec)
	p.toolsMu.Unlock()
}

func (p *Pipeline) instrumentToolExecutor(exec ToolExecutor) ToolExecutor {
	if exec == nil {
		return nil
	}
	return func(ctx context.Context, name string, args map[string]interface{}) (string, error) {
		start := time.Now()
		result, err := exec(ctx, name, args)
		if p.metrics != nil {
			p.metrics.ObserveToolCall(name, err == nil, time.Since(start))
		}
		return result, err
	}
}

func (p *Pipeline) Tools() []ToolDeclaration {
	p.toolsMu.RLock()
	defer p.toolsMu.RUnlock()
	return p.tools
}

func (p *Pipeline) Backends() map[string]string { return p.orch.GetProviders() }

func (p *Pipeline) TTSSampleRate() int { return p.cfg.SampleRate }

func (p *Pipeline) IsRunning() bool { return p.running.Load() }

func (p *Pipeline) IsActive() bool { return p.active.Load() }

func (p *Pipeline) Session() *ConversationSession { return p.session }

func (p *Pipeline) Orchestrator() *Orchestrator { return p.orch }

func (p *Pipeline) State() PipelineState { return p.sm.Current() }

// playActivationBeep plays a short confirmation tone through the single
// playback writer so a user gets audible feedback the instant the wake
// word lands, before the LLM has produced anything.
func (p *Pipeline) playActivationBeep(ctx context.Context) {
	tone := generateTone(880, 120*time.Millisecond, p.cfg.SampleRate)
	frames := make(chan []float32, 1)
	frames <- tone
	close(frames)
	if err := p.capture.PlayStream(ctx, frames); err != nil {
		p.logger.Warn("activation beep playback failed", "error", err)
	}
}

func generateTone(freqHz float64, d time.Duration, sampleRate int) []float32 {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	n := int(float64(sampleRate) * d.Seconds())
	out := make([]float32, n)
	fadeN := n / 10
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		gain := 0.2
		if i < fadeN {
			gain *= float64(i) / float64(fadeN)
		} else if i > n-fadeN {
			gain *= float64(n-i) / float64(fadeN)
		}
		out[i] = float32(gain * math.Sin(2*math.Pi*freqHz*t))
	}
	return out
}
