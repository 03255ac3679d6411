package llm

import (
	"context"
	"encoding/json"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/aethon-voice/aethon-core/pkg/orchestrator"
)

// OpenAILLM talks to the OpenAI chat completions API through the official
// openai-go SDK rather than hand-rolled HTTP/SSE.
type OpenAILLM struct {
	streamState

	client oai.Client
	model  string
}

func NewOpenAILLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAILLM{
		client: oai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (l *OpenAILLM) Name() string {
	return "openai-llm"
}

func (l *OpenAILLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(l.model),
		Messages: toOAIMessages("", messages),
	}

	resp, err := l.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai llm error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from openai")
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateStream streams the assistant's reply, feeding raw token deltas
// through a SentenceSegmenter so callers receive whole sentences. Tool
// calls accumulated mid-stream are executed and fed back for up to
// maxToolRounds nested round trips before the final content-only round
// streams out.
func (l *OpenAILLM) GenerateStream(ctx context.Context) (<-chan string, error) {
	out := make(chan string, 4)
	sysPrompt, history, tools, executor := l.beginTurn()

	streamCtx, cancel := context.WithCancel(ctx)
	l.setCancel(cancel)

	go func() {
		defer close(out)
		defer cancel()

		seg := orchestrator.NewSentenceSegmenter(60, 20)
		messages := toOAIMessages(sysPrompt, history)
		toolParams := toOAITools(tools)

		for round := 0; round < maxToolRounds; round++ {
			calls, err := l.streamOnce(streamCtx, messages, toolParams, seg, out)
			if err != nil {
				return
			}
			if len(calls) == 0 {
				break
			}

			asst := oai.ChatCompletionAssistantMessageParam{}
			for _, tc := range calls {
				asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
					ID: tc.id,
					Function: oai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.name,
						Arguments: tc.arguments,
					},
				})
			}
			messages = append(messages, oai.ChatCompletionMessageParamUnion{OfAssistant: &asst})

			for _, tc := range calls {
				var args map[string]interface{}
				json.Unmarshal([]byte(tc.arguments), &args)
				result := ""
				if executor != nil {
					result, err = executor(streamCtx, tc.name, args)
					if err != nil {
						result = fmt.Sprintf("tool error: %v", err)
					}
				}
				messages = append(messages, oai.ToolMessage(result, tc.id))
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

// accumulatedToolCall mirrors the SDK's streamed tool-call fragment shape
// while its index-keyed pieces are being assembled.
type accumulatedToolCall struct {
	id        string
	name      string
	arguments string
}

func (l *OpenAILLM) streamOnce(ctx context.Context, messages []oai.ChatCompletionMessageParamUnion, tools []oai.ChatCompletionToolParam, seg *orchestrator.SentenceSegmenter, out chan<- string) ([]accumulatedToolCall, error) {
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(l.model),
		Messages: messages,
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	stream := l.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai llm stream error: %w", err)
	}
	defer stream.Close()

	toolCalls := map[int64]*accumulatedToolCall{}
	var order []int64

	for stream.Next() {
		chunk := stream.Current()
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
				existing = &accumulatedToolCall{id: tc.ID, name: tc.Function.Name}
				toolCalls[tc.Index] = existing
				order = append(order, tc.Index)
			}
			existing.arguments += tc.Function.Arguments
			if tc.ID != "" {
				existing.id = tc.ID
			}
			if tc.Function.Name != "" {
				existing.name = tc.Function.Name
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	if len(order) == 0 {
		return nil, nil
	}
	calls := make([]accumulatedToolCall, 0, len(order))
	for _, idx := range order {
		calls = append(calls, *toolCalls[idx])
	}
	return calls, nil
}

func (l *OpenAILLM) CheckConnection(ctx context.Context) bool {
	_, err := l.client.Models.List(ctx)
	return err == nil
}

func (l *OpenAILLM) Cleanup() {}

func toOAIMessages(systemPrompt string, history []orchestrator.Message) []oai.ChatCompletionMessageParamUnion {
	var out []oai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		out = append(out, oai.SystemMessage(systemPrompt))
	}
	for _, m := range history {
		switch m.Role {
		case "system":
			continue
		case "assistant":
			out = append(out, oai.AssistantMessage(m.Content))
		case "tool":
			out = append(out, oai.ToolMessage(m.Content, ""))
		default:
			out = append(out, oai.UserMessage(m.Content))
		}
	}
	return out
}

func toOAITools(tools []orchestrator.ToolDeclaration) []oai.ChatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]oai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}
	return out
}

var _ orchestrator.LLMProvider = (*OpenAILLM)(nil)
