package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/aethon-voice/aethon-core/pkg/orchestrator"
)

// streamState holds the per-turn state shared by every streaming LLM
// provider in this package: pending context, in-flight cancellation, and
// the partial response accumulated so far. Embed it by value in a
// provider struct to get SetContext/AddUserMessage/Cancel/
// PopLastUserMessage/GetPartialResponse/SetTools for free; the provider
// still implements GenerateStream itself since the wire format differs
// per backend.
type streamState struct {
	mu           sync.Mutex
	systemPrompt string
	history      []orchestrator.Message
	pendingUser  string
	partial      strings.Builder
	cancelFn     context.CancelFunc
	tools        []orchestrator.ToolDeclaration
	executor     orchestrator.ToolExecutor
}

func (s *streamState) SetContext(systemPrompt string, history []orchestrator.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemPrompt = systemPrompt
	s.history = append([]orchestrator.Message(nil), history...)
	s.pendingUser = ""
}

func (s *streamState) AddUserMessage(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingUser = text
}

func (s *streamState) PopLastUserMessage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingUser == "" {
		return false
	}
	s.pendingUser = ""
	return true
}

func (s *streamState) GetPartialResponse() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial.String()
}

func (s *streamState) SetTools(tools []orchestrator.ToolDeclaration, executor orchestrator.ToolExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = tools
	s.executor = executor
}

func (s *streamState) Cancel() {
	s.mu.Lock()
	cancel := s.cancelFn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// beginTurn snapshots system prompt, history and any pending user message
// into one ordered slice, resets the partial-response buffer for the new
// turn, and returns the tool set installed via SetTools.
func (s *streamState) beginTurn() (string, []orchestrator.Message, []orchestrator.ToolDeclaration, orchestrator.ToolExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial.Reset()
	msgs := append([]orchestrator.Message(nil), s.history...)
	if s.pendingUser != "" {
		msgs = append(msgs, orchestrator.Message{Role: "user", Content: s.pendingUser})
	}
	return s.systemPrompt, msgs, s.tools, s.executor
}

func (s *streamState) appendPartial(delta string) {
	s.mu.Lock()
	s.partial.WriteString(delta)
	s.mu.Unlock()
}

func (s *streamState) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancelFn = cancel
	s.mu.Unlock()
}

// maxToolRounds bounds nested tool-call round trips within one streamed
// turn, mirroring orchestrator.Config.ToolMaxRounds' default.
const maxToolRounds = 5
