package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/aethon-voice/aethon-core/pkg/orchestrator"
)

// AnthropicLLM talks to the Claude Messages API through the official
// anthropic-sdk-go client rather than hand-rolled HTTP/SSE.
type AnthropicLLM struct {
	streamState

	client anthropic.Client
	model  string
}

func NewAnthropicLLM(apiKey string, model string) *AnthropicLLM {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicLLM{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (l *AnthropicLLM) Name() string {
	return "anthropic-llm"
}

func (l *AnthropicLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	system, wireMsgs := toAnthropicMessages(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(l.model),
		MaxTokens: 1024,
		Messages:  wireMsgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := l.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic llm error: %w", err)
	}
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			return text.Text, nil
		}
	}
	return "", fmt.Errorf("no text content returned from anthropic")
}

// anthToolUse accumulates one tool_use content block as its input_json_delta
// fragments arrive over the stream.
type anthToolUse struct {
	id    string
	name  string
	input string
}

// GenerateStream streams the assistant's reply, feeding text deltas through
// a SentenceSegmenter so callers receive whole sentences. Tool calls
// accumulated mid-stream are executed and replayed as tool_result blocks
// for up to maxToolRounds nested round trips.
func (l *AnthropicLLM) GenerateStream(ctx context.Context) (<-chan string, error) {
	out := make(chan string, 4)
	sysPrompt, history, tools, executor := l.beginTurn()

	streamCtx, cancel := context.WithCancel(ctx)
	l.setCancel(cancel)

	go func() {
		defer close(out)
		defer cancel()

		seg := orchestrator.NewSentenceSegmenter(60, 20)
		_, messages := toAnthropicMessages(history)
		toolParams := toAnthropicTools(tools)

		for round := 0; round < maxToolRounds; round++ {
			uses, text, err := l.streamOnce(streamCtx, sysPrompt, messages, toolParams, seg, out)
			if err != nil {
				return
			}
			if len(uses) == 0 {
				break
			}

			var asstBlocks []anthropic.ContentBlockParamUnion
			if text != "" {
				asstBlocks = append(asstBlocks, anthropic.NewTextBlock(text))
			}
			var resultBlocks []anthropic.ContentBlockParamUnion
			for _, u := range uses {
				var args map[string]interface{}
				json.Unmarshal([]byte(u.input), &args)
				asstBlocks = append(asstBlocks, anthropic.NewToolUseBlock(u.id, args, u.name))

				result := ""
				if executor != nil {
					result, err = executor(streamCtx, u.name, args)
					if err != nil {
						result = fmt.Sprintf("tool error: %v", err)
					}
				}
				resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(u.id, result, false))
			}
			messages = append(messages, anthropic.NewAssistantMessage(asstBlocks...))
			messages = append(messages, anthropic.NewUserMessage(resultBlocks...))
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

func (l *AnthropicLLM) streamOnce(ctx context.Context, systemPrompt string, messages []anthropic.MessageParam, tools []anthropic.ToolUnionParam, seg *orchestrator.SentenceSegmenter, out chan<- string) ([]*anthToolUse, string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(l.model),
		MaxTokens: 1024,
		Messages:  messages,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	stream := l.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	toolUses := map[int64]*anthToolUse{}
	var order []int64
	var fullText string

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if use, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				acc := &anthToolUse{id: use.ID, name: use.Name}
				toolUses[ev.Index] = acc
				order = append(order, ev.Index)
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				fullText += delta.Text
				l.appendPartial(delta.Text)
				for _, sentence := range seg.Feed(delta.Text) {
					select {
					case out <- sentence:
					case <-ctx.Done():
						return nil, "", ctx.Err()
					}
				}
			case anthropic.InputJSONDelta:
				if acc, ok := toolUses[ev.Index]; ok {
					acc.input += delta.PartialJSON
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, "", fmt.Errorf("anthropic llm stream error: %w", err)
	}

	if len(order) == 0 {
		return nil, fullText, nil
	}
	uses := make([]*anthToolUse, 0, len(order))
	for _, idx := range order {
		uses = append(uses, toolUses[idx])
	}
	return uses, fullText, nil
}

func (l *AnthropicLLM) CheckConnection(ctx context.Context) bool {
	_, err := l.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(l.model),
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
	})
	return err == nil
}

func (l *AnthropicLLM) Cleanup() {}

func toAnthropicMessages(messages []orchestrator.Message) (string, []anthropic.MessageParam) {
	var system string
	var out []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system, out
}

func toAnthropicTools(tools []orchestrator.ToolDeclaration) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		toolParam := anthropic.ToolParam{
			Name:        t.Name,
			Description: param.NewOpt(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Parameters["properties"],
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return out
}

var _ orchestrator.LLMProvider = (*AnthropicLLM)(nil)
