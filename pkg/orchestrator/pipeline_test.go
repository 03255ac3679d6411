package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aethon-voice/aethon-core/pkg/metrics"
)

type fakeCapturer struct {
	chunks chan []byte
}

func newFakeCapturer() *fakeCapturer {
	return &fakeCapturer{chunks: make(chan []byte, 8)}
}

func (f *fakeCapturer) StartCapture() error { return nil }
func (f *fakeCapturer) StopCapture() error  { return nil }

func (f *fakeCapturer) GetChunk(ctx context.Context, timeout time.Duration) ([]byte, error) {
	select {
	case c := <-f.chunks:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, errors.New("no chunk available")
	}
}

func (f *fakeCapturer) DrainCaptureQueue() {}
func (f *fakeCapturer) IsPlaying() bool    { return false }

func (f *fakeCapturer) PlayStream(ctx context.Context, chunks <-chan []float32) error {
	for range chunks {
	}
	return nil
}

func (f *fakeCapturer) StopPlayback() {}
func (f *fakeCapturer) Close()        {}

type fakeWake struct {
	detect bool
}

func (f *fakeWake) Name() string                   { return "fake_wake" }
func (f *fakeWake) Load(ctx context.Context) error  { return nil }
func (f *fakeWake) Unload()                         {}
func (f *fakeWake) Detect(chunk []byte) bool        { return f.detect }
func (f *fakeWake) Reset()                          {}

type fakeMemory struct{}

func (fakeMemory) Remember(ctx context.Context, fact string) error         { return nil }
func (fakeMemory) Recall(ctx context.Context, limit int) ([]string, error) { return nil, nil }
func (fakeMemory) Forget(ctx context.Context) error                        { return nil }

func newTestPipeline() *Pipeline {
	cfg := DefaultConfig()
	p := NewPipeline(
		newFakeCapturer(),
		&MockSTTProvider{transcribeResult: "hello there"},
		&MockLLMProvider{completeResult: "hi, how can I help?"},
		&MockTTSProvider{synthesizeResult: []byte{0x01, 0x02}},
		&fakeWake{},
		NewRMSVAD(cfg.VADThreshold, time.Duration(cfg.SilenceTimeoutMS)*time.Millisecond),
		fakeMemory{},
		cfg,
		&NoOpLogger{},
		metrics.New(),
	)
	if err := p.Load(context.Background()); err != nil {
		panic(err)
	}
	return p
}

func TestTriggerWakeIsIdempotent(t *testing.T) {
	p := newTestPipeline()

	if !p.TriggerWake() {
		t.Fatal("expected first TriggerWake to activate the pipeline")
	}
	if !p.IsActive() {
		t.Fatal("expected pipeline to be active after TriggerWake")
	}
	if p.TriggerWake() {
		t.Fatal("expected second TriggerWake to report already active")
	}
}

func TestLLMMutexExclusion(t *testing.T) {
	p := newTestPipeline()

	if !p.acquireLLM(context.Background()) {
		t.Fatal("expected first acquire to succeed")
	}

	if p.TryAcquireLLM(30 * time.Millisecond) {
		t.Fatal("expected second acquire to fail while mutex is held")
	}

	p.releaseLLM()

	if !p.TryAcquireLLM(30 * time.Millisecond) {
		t.Fatal("expected acquire to succeed after release")
	}
	p.releaseLLM()
}

func TestHandleInjectionTextOnly(t *testing.T) {
	p := newTestPipeline()

	inj := textInjection{text: "what's the time", wantAudio: false, result: make(chan textResult, 1)}
	p.handleInjection(context.Background(), inj)

	res := <-inj.result
	if res.err != nil {
		t.Fatalf("expected no error, got %v", res.err)
	}
	if res.response == "" {
		t.Fatal("expected a non-empty response")
	}
	if res.audio != nil {
		t.Fatal("expected no audio when wantAudio is false")
	}
	if p.State() != StateIdle {
		t.Fatalf("expected pipeline to settle back to Idle, got %v", p.State())
	}
}

func TestHandleInjectionWithAudio(t *testing.T) {
	p := newTestPipeline()

	inj := textInjection{text: "say something", wantAudio: true, result: make(chan textResult, 1)}
	p.handleInjection(context.Background(), inj)

	res := <-inj.result
	if res.err != nil {
		t.Fatalf("expected no error, got %v", res.err)
	}
	if len(res.audio) == 0 {
		t.Fatal("expected synthesized audio when wantAudio is true")
	}
}

func TestHandleInjectionBusyReturnsErrLLMBusy(t *testing.T) {
	p := newTestPipeline()

	if !p.acquireLLM(context.Background()) {
		t.Fatal("expected to acquire the LLM mutex")
	}
	defer p.releaseLLM()

	inj := textInjection{text: "hello", wantAudio: false, result: make(chan textResult, 1)}
	start := time.Now()
	p.handleInjection(context.Background(), inj)
	elapsed := time.Since(start)

	res := <-inj.result
	if !errors.Is(res.err, ErrLLMBusy) {
		t.Fatalf("expected ErrLLMBusy, got %v", res.err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("expected handleInjection to fail fast, took %v", elapsed)
	}
}

func TestInjectTextRoundTrip(t *testing.T) {
	p := newTestPipeline()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			select {
			case inj := <-p.textInjectCh:
				p.handleInjection(ctx, inj)
			case <-ctx.Done():
				return
			}
		}
	}()

	resp, _, err := p.InjectText(ctx, "what's up", false)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resp == "" {
		t.Fatal("expected a non-empty response")
	}
}

func TestBargeBufferRoundTrip(t *testing.T) {
	p := newTestPipeline()

	if buf := p.takeBargeBuffer(); buf != nil {
		t.Fatal("expected no buffer before any barge-in")
	}

	want := [][]byte{{1, 2}, {3, 4}}
	p.setBargeBuffer(want)

	got := p.takeBargeBuffer()
	if len(got) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(got))
	}
	if p.takeBargeBuffer() != nil {
		t.Fatal("expected buffer to be cleared after take")
	}
}

func TestGenerateToneShape(t *testing.T) {
	tone := generateTone(880, 50*time.Millisecond, 44100)
	wantLen := int(float64(44100) * 0.05)
	if len(tone) != wantLen {
		t.Fatalf("expected %d samples, got %d", wantLen, len(tone))
	}
	for _, s := range tone {
		if s > 0.25 || s < -0.25 {
			t.Fatalf("sample %v exceeds expected amplitude envelope", s)
		}
	}
	if tone[0] != 0 {
		t.Fatalf("expected the fade-in to start at zero, got %v", tone[0])
	}
}
