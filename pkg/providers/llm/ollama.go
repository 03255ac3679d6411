package llm

import (
	"context"
	"fmt"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/aethon-voice/aethon-core/pkg/orchestrator"
)

// OllamaLLM talks to a local or self-hosted Ollama server through the
// official api.Client rather than a hand-rolled HTTP client. Ollama has no
// API-level tool-calling contract the way OpenAI/Anthropic do, so unlike
// the other providers in this package it runs without tool support: any
// tools installed via SetTools are accepted but never invoked.
type OllamaLLM struct {
	streamState

	client *api.Client
	model  string
}

// NewOllamaLLM builds a client against host (e.g. "http://127.0.0.1:11434").
// An empty host falls back to api.ClientFromEnvironment, matching the
// OLLAMA_HOST convention the official client itself honors.
func NewOllamaLLM(host string, model string) (*OllamaLLM, error) {
	if model == "" {
		model = "llama3"
	}

	var client *api.Client
	if host == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama: %w", err)
		}
		client = c
	} else {
		parsed, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("ollama: invalid host %q: %w", host, err)
		}
		client = api.NewClient(parsed, nil)
	}

	return &OllamaLLM{client: client, model: model}, nil
}

func (l *OllamaLLM) Name() string {
	return "ollama-llm"
}

func (l *OllamaLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	stream := false
	var response api.ChatResponse
	err := l.client.Chat(ctx, &api.ChatRequest{
		Model:    l.model,
		Messages: toOllamaMessages(messages),
		Stream:   &stream,
	}, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama llm error: %w", err)
	}
	return response.Message.Content, nil
}

// GenerateStream streams the assistant's reply, feeding content deltas
// through a SentenceSegmenter so callers receive whole sentences. Ollama
// has no tool-calling round trip, so this never loops back for tool
// execution the way the other providers' GenerateStream does.
func (l *OllamaLLM) GenerateStream(ctx context.Context) (<-chan string, error) {
	out := make(chan string, 4)
	sysPrompt, history, _, _ := l.beginTurn()

	streamCtx, cancel := context.WithCancel(ctx)
	l.setCancel(cancel)

	go func() {
		defer close(out)
		defer cancel()

		seg := orchestrator.NewSentenceSegmenter(60, 20)
		messages := toOllamaMessages(history)
		if sysPrompt != "" {
			messages = append([]api.Message{{Role: "system", Content: sysPrompt}}, messages...)
		}

		stream := true
		err := l.client.Chat(streamCtx, &api.ChatRequest{
			Model:    l.model,
			Messages: messages,
			Stream:   &stream,
		}, func(resp api.ChatResponse) error {
			if resp.Message.Content == "" {
				return nil
			}
			l.appendPartial(resp.Message.Content)
			for _, sentence := range seg.Feed(resp.Message.Content) {
				select {
				case out <- sentence:
				case <-streamCtx.Done():
					return streamCtx.Err()
				}
			}
			return nil
		})
		if err != nil {
			return
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

func (l *OllamaLLM) CheckConnection(ctx context.Context) bool {
	return l.client.Heartbeat(ctx) == nil
}

func (l *OllamaLLM) Cleanup() {}

func toOllamaMessages(messages []orchestrator.Message) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, api.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

var _ orchestrator.LLMProvider = (*OllamaLLM)(nil)
