// Package httpapi exposes the pipeline's control surface: injecting text
// turns, triggering wake manually, and reporting status, over a small
// gorilla/mux router the rest of the process doesn't otherwise need.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	dto "github.com/prometheus/client_model/go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aethon-voice/aethon-core/pkg/audio"
	"github.com/aethon-voice/aethon-core/pkg/metrics"
	"github.com/aethon-voice/aethon-core/pkg/orchestrator"
)

const maxBodyBytes = 64 * 1024

// speakTimeout bounds how long /speak waits for a full turn before
// answering 504; it is deliberately longer than the 1s the LLM mutex
// try-lock itself allows, since it also covers generation and synthesis.
const speakTimeout = 60 * time.Second

// PipelineControl is the surface the control plane drives. It is
// satisfied by *orchestrator.Pipeline; defined here, on the consumer
// side, so this package never needs to know Pipeline's internals.
type PipelineControl interface {
	InjectText(ctx context.Context, text string, wantAudio bool) (string, []byte, error)
	TriggerWake() bool
	IsRunning() bool
	IsActive() bool
	Session() *orchestrator.ConversationSession
	Tools() []orchestrator.ToolDeclaration
	Backends() map[string]string
	TTSSampleRate() int
}

// Server wraps a gorilla/mux router bound to one Pipeline.
type Server struct {
	router   *mux.Router
	pipeline PipelineControl
	logger   orchestrator.Logger
	metrics  *metrics.Registry
	httpSrv  *http.Server
}

func New(pipeline PipelineControl, addr string, logger orchestrator.Logger, reg *metrics.Registry) *Server {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	s := &Server{
		router:   mux.NewRouter(),
		pipeline: pipeline,
		logger:   logger,
		metrics:  reg,
	}
	s.routes()
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: speakTimeout + 5*time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/command", s.handleCommand).Methods(http.MethodPost)
	s.router.HandleFunc("/speak", s.handleSpeak).Methods(http.MethodPost)
	s.router.HandleFunc("/wake", s.handleWake).Methods(http.MethodPost)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/tools", s.handleTools).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// ListenAndServe blocks serving the control surface until ctx is
// cancelled, at which point it shuts the listener down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) recordRequest(route string, status int) {
	if s.metrics == nil {
		return
	}
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	}
	s.metrics.HTTPRequestsTotal.WithLabelValues(route, class).Inc()
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	const route = "/command"
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, route, http.StatusBadRequest, err.Error())
		return
	}
	text := gjson.GetBytes(body, "text").String()
	if text == "" {
		s.writeError(w, route, http.StatusBadRequest, "missing \"text\" field")
		return
	}

	resp, _, err := s.pipeline.InjectText(r.Context(), text, false)
	switch {
	case err == nil:
		out, _ := sjson.SetBytes([]byte("{}"), "response", resp)
		out, _ = sjson.SetBytes(out, "status", "ok")
		s.writeJSON(w, route, http.StatusOK, out)
	case errors.Is(err, orchestrator.ErrLLMBusy):
		s.writeError(w, route, http.StatusConflict, "pipeline is busy with another turn")
	default:
		s.writeError(w, route, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	const route = "/speak"
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, route, http.StatusBadRequest, err.Error())
		return
	}
	text := gjson.GetBytes(body, "text").String()
	if text == "" {
		s.writeError(w, route, http.StatusBadRequest, "missing \"text\" field")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), speakTimeout)
	defer cancel()

	resp, pcm, err := s.pipeline.InjectText(ctx, text, true)
	switch {
	case err == nil:
		wav, encErr := audio.EncodeWAV(pcm, s.pipeline.TTSSampleRate())
		if encErr != nil {
			s.writeError(w, route, http.StatusInternalServerError, encErr.Error())
			return
		}
		w.Header().Set("X-Response-Text", url.QueryEscape(resp))
		w.Header().Set("Content-Type", "audio/wav")
		s.recordRequest(route, http.StatusOK)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(wav)
	case errors.Is(err, orchestrator.ErrLLMBusy):
		s.writeError(w, route, http.StatusConflict, "pipeline is busy with another turn")
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, route, http.StatusGatewayTimeout, "turn exceeded the speak timeout")
	default:
		s.writeError(w, route, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	const route = "/wake"
	status := "already_active"
	if s.pipeline.TriggerWake() {
		status = "active"
	}
	out, _ := sjson.SetBytes([]byte("{}"), "status", status)
	s.writeJSON(w, route, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	const route = "/status"
	out := []byte("{}")
	out, _ = sjson.SetBytes(out, "running", s.pipeline.IsRunning())
	out, _ = sjson.SetBytes(out, "active", s.pipeline.IsActive())
	out, _ = sjson.SetBytes(out, "session", s.pipeline.Session().ID)
	out, _ = sjson.SetBytes(out, "backends", s.pipeline.Backends())

	names := make([]string, 0)
	for _, t := range s.pipeline.Tools() {
		names = append(names, t.Name)
	}
	out, _ = sjson.SetBytes(out, "tools", names)
	if s.metrics != nil {
		out, _ = sjson.SetBytes(out, "latency", s.latencyBreakdown())
	}
	s.writeJSON(w, route, http.StatusOK, out)
}

// latencyBreakdown snapshots the aethon_turn_latency_seconds histogram into
// a per-stage average-seconds map ("stt", "llm_first_token",
// "tts_first_audio"), averaged over every turn observed so far, so /status
// callers can read stage timings without scraping /metrics.
func (s *Server) latencyBreakdown() map[string]float64 {
	out := map[string]float64{}
	families, err := s.metrics.Gatherer().Gather()
	if err != nil {
		return out
	}
	for _, fam := range families {
		if fam.GetName() != "aethon_turn_latency_seconds" {
			continue
		}
		for _, m := range fam.GetMetric() {
			stage := labelValue(m, "stage")
			if stage == "" {
				continue
			}
			h := m.GetHistogram()
			if h.GetSampleCount() == 0 {
				continue
			}
			out[stage] = h.GetSampleSum() / float64(h.GetSampleCount())
		}
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	const route = "/tools"
	type toolJSON struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	}
	tools := s.pipeline.Tools()
	list := make([]toolJSON, 0, len(tools))
	for _, t := range tools {
		list = append(list, toolJSON{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	out, _ := sjson.SetBytes([]byte("{}"), "tools", list)
	s.writeJSON(w, route, http.StatusOK, out)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body := make([]byte, 0, 512)
	buf := make([]byte, 4096)
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid JSON body")
	}
	return body, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, route string, status int, body []byte) {
	s.recordRequest(route, status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) writeError(w http.ResponseWriter, route string, status int, msg string) {
	out, _ := sjson.SetBytes([]byte("{}"), "error", msg)
	s.logger.Warn("control surface request failed", "route", route, "status", status, "error", msg)
	s.writeJSON(w, route, status, out)
}
