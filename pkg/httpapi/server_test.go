package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/aethon-voice/aethon-core/pkg/orchestrator"
)

type fakeControl struct {
	injectResp  string
	injectAudio []byte
	injectErr   error
	wakeResult  bool
	running     bool
	active      bool
	session     *orchestrator.ConversationSession
	tools       []orchestrator.ToolDeclaration
	backends    map[string]string
	sampleRate  int
}

func (f *fakeControl) InjectText(ctx context.Context, text string, wantAudio bool) (string, []byte, error) {
	return f.injectResp, f.injectAudio, f.injectErr
}

func (f *fakeControl) TriggerWake() bool                          { return f.wakeResult }
func (f *fakeControl) IsRunning() bool                             { return f.running }
func (f *fakeControl) IsActive() bool                              { return f.active }
func (f *fakeControl) Session() *orchestrator.ConversationSession  { return f.session }
func (f *fakeControl) Tools() []orchestrator.ToolDeclaration       { return f.tools }
func (f *fakeControl) Backends() map[string]string                { return f.backends }
func (f *fakeControl) TTSSampleRate() int                          { return f.sampleRate }

func newTestServer(f *fakeControl) *Server {
	return New(f, "127.0.0.1:0", &orchestrator.NoOpLogger{}, nil)
}

func TestHandleCommandMissingText(t *testing.T) {
	s := newTestServer(&fakeControl{})
	req := httptest.NewRequest(http.MethodPost, "/command", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCommandSuccess(t *testing.T) {
	f := &fakeControl{injectResp: "hi there"}
	s := newTestServer(f)
	req := httptest.NewRequest(http.MethodPost, "/command", strings.NewReader(`{"text":"hello"}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := gjson.GetBytes(rec.Body.Bytes(), "response").String(); got != "hi there" {
		t.Fatalf("expected response %q, got %q", "hi there", got)
	}
}

func TestHandleCommandBusy(t *testing.T) {
	f := &fakeControl{injectErr: orchestrator.ErrLLMBusy}
	s := newTestServer(f)
	req := httptest.NewRequest(http.MethodPost, "/command", strings.NewReader(`{"text":"hello"}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleCommandInvalidJSON(t *testing.T) {
	s := newTestServer(&fakeControl{})
	req := httptest.NewRequest(http.MethodPost, "/command", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleSpeakSuccess(t *testing.T) {
	f := &fakeControl{injectResp: "hi there", injectAudio: make([]byte, 4410*2), sampleRate: 44100}
	s := newTestServer(f)
	req := httptest.NewRequest(http.MethodPost, "/speak", strings.NewReader(`{"text":"hello"}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("expected audio/wav content type, got %q", ct)
	}
	if rec.Header().Get("X-Response-Text") == "" {
		t.Fatal("expected X-Response-Text header to be set")
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected a non-empty WAV body")
	}
}

func TestHandleSpeakBusy(t *testing.T) {
	f := &fakeControl{injectErr: orchestrator.ErrLLMBusy}
	s := newTestServer(f)
	req := httptest.NewRequest(http.MethodPost, "/speak", strings.NewReader(`{"text":"hello"}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleWakeTogglesStatus(t *testing.T) {
	f := &fakeControl{wakeResult: true}
	s := newTestServer(f)
	req := httptest.NewRequest(http.MethodPost, "/wake", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := gjson.GetBytes(rec.Body.Bytes(), "status").String(); got != "active" {
		t.Fatalf("expected status active, got %q", got)
	}

	f.wakeResult = false
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if got := gjson.GetBytes(rec.Body.Bytes(), "status").String(); got != "already_active" {
		t.Fatalf("expected status already_active, got %q", got)
	}
}

func TestHandleStatus(t *testing.T) {
	f := &fakeControl{
		running:  true,
		active:   true,
		session:  orchestrator.NewConversationSession("test-session"),
		backends: map[string]string{"llm": "groq"},
	}
	s := newTestServer(f)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !gjson.GetBytes(rec.Body.Bytes(), "running").Bool() {
		t.Fatal("expected running=true")
	}
	if got := gjson.GetBytes(rec.Body.Bytes(), "backends.llm").String(); got != "groq" {
		t.Fatalf("expected backends.llm=groq, got %q", got)
	}
}

func TestHandleTools(t *testing.T) {
	f := &fakeControl{
		tools: []orchestrator.ToolDeclaration{
			{Name: "get_time", Description: "returns the current time"},
		},
	}
	s := newTestServer(f)
	req := httptest.NewRequest(http.MethodGet, "/tools", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := gjson.GetBytes(rec.Body.Bytes(), "tools.0.name").String(); got != "get_time" {
		t.Fatalf("expected tools.0.name=get_time, got %q", got)
	}
}
