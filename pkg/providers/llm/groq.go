package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aethon-voice/aethon-core/pkg/orchestrator"
)

// No official Go SDK exists for Groq; OpenAILLM has since moved onto the
// real openai-go client, so these wire types that model Groq's (OpenAI-
// compatible) chat completions format now live here instead.
type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content,omitempty"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaToolCall struct {
	Index    int            `json:"index"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function oaFunctionCall `json:"function"`
}

type oaFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type oaToolDecl struct {
	Type     string         `json:"type"`
	Function oaFunctionSpec `json:"function"`
}

type oaFunctionSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type oaStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string       `json:"content"`
			ToolCalls []oaToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func buildOAMessages(systemPrompt string, history []orchestrator.Message) []oaMessage {
	var out []oaMessage
	if systemPrompt != "" {
		out = append(out, oaMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range history {
		if m.Role == "system" {
			continue
		}
		out = append(out, oaMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func oaToolDecls(tools []orchestrator.ToolDeclaration) []oaToolDecl {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]oaToolDecl, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, oaToolDecl{
			Type: "function",
			Function: oaFunctionSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return decls
}

// GroqLLM talks to Groq's OpenAI-compatible chat completions endpoint.
type GroqLLM struct {
	streamState

	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewGroqLLM(apiKey string, model string) *GroqLLM {
	if model == "" {
		model = "llama3-70b-8192"
	}
	return &GroqLLM{
		apiKey: apiKey,
		url:    "https://api.groq.com/openai/v1/chat/completions",
		model:  model,
		client: &http.Client{},
	}
}

func (l *GroqLLM) Name() string {
	return "groq-llm"
}

func (l *GroqLLM) httpClient() *http.Client {
	if l.client == nil {
		l.client = &http.Client{}
	}
	return l.client
}

func (l *GroqLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	payload := map[string]interface{}{
		"model":    l.model,
		"messages": messages,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := l.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("groq llm error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from groq")
	}

	return result.Choices[0].Message.Content, nil
}

// GenerateStream mirrors OpenAILLM.streamOnce's SSE parsing since Groq's
// chat completions wire format is the OpenAI format verbatim, tool calls
// included.
func (l *GroqLLM) GenerateStream(ctx context.Context) (<-chan string, error) {
	out := make(chan string, 4)
	sysPrompt, history, tools, executor := l.beginTurn()

	streamCtx, cancel := context.WithCancel(ctx)
	l.setCancel(cancel)

	go func() {
		defer close(out)
		defer cancel()

		seg := orchestrator.NewSentenceSegmenter(60, 20)
		wireMsgs := buildOAMessages(sysPrompt, history)
		toolDecls := oaToolDecls(tools)

		for round := 0; round < maxToolRounds; round++ {
			calls, err := l.streamOnce(streamCtx, wireMsgs, toolDecls, seg, out)
			if err != nil {
				return
			}
			if len(calls) == 0 {
				break
			}
			wireMsgs = append(wireMsgs, oaMessage{Role: "assistant", ToolCalls: calls})
			for _, tc := range calls {
				var args map[string]interface{}
				json.Unmarshal([]byte(tc.Function.Arguments), &args)
				result := ""
				if executor != nil {
					result, err = executor(streamCtx, tc.Function.Name, args)
					if err != nil {
						result = fmt.Sprintf("tool error: %v", err)
					}
				}
				wireMsgs = append(wireMsgs, oaMessage{Role: "tool", ToolCallID: tc.ID, Content: result})
			}
		}

		if tail := seg.Flush(); tail != "" {
			select {
			case out <- tail:
			case <-streamCtx.Done():
			}
		}
	}()

	return out, nil
}

func (l *GroqLLM) streamOnce(ctx context.Context, messages []oaMessage, tools []oaToolDecl, seg *orchestrator.SentenceSegmenter, out chan<- string) ([]oaToolCall, error) {
	payload := map[string]interface{}{
		"model":    l.model,
		"messages": messages,
		"stream":   true,
	}
	if len(tools) > 0 {
		payload["tools"] = tools
		payload["tool_choice"] = "auto"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := l.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("groq llm error (status %d): %v", resp.StatusCode, errResp)
	}

	toolCalls := map[int]*oaToolCall{}
	var order []int

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk oaStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			l.appendPartial(delta.Content)
			for _, sentence := range seg.Feed(delta.Content) {
				select {
				case out <- sentence:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
		for _, tc := range delta.ToolCalls {
			existing, ok := toolCalls[tc.Index]
			if !ok {
				cp := tc
				toolCalls[tc.Index] = &cp
				order = append(order, tc.Index)
				continue
			}
			existing.Function.Arguments += tc.Function.Arguments
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.Function.Name = tc.Function.Name
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(order) == 0 {
		return nil, nil
	}
	calls := make([]oaToolCall, 0, len(order))
	for _, idx := range order {
		calls = append(calls, *toolCalls[idx])
	}
	return calls, nil
}

func (l *GroqLLM) CheckConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", "https://api.groq.com/openai/v1/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+l.apiKey)
	resp, err := l.httpClient().Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (l *GroqLLM) Cleanup() {
	l.httpClient().CloseIdleConnections()
}

var _ orchestrator.LLMProvider = (*GroqLLM)(nil)
