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

type GoogleLLM struct {
	streamState

	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewGoogleLLM(apiKey string, model string) *GoogleLLM {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GoogleLLM{
		apiKey: apiKey,
		url:    "https://generativelanguage.googleapis.com/v1beta/models/" + model + ":generateContent",
		model:  model,
		client: &http.Client{},
	}
}

func (l *GoogleLLM) Name() string {
	return "google-llm"
}

func (l *GoogleLLM) httpClient() *http.Client {
	if l.client == nil {
		l.client = &http.Client{}
	}
	return l.client
}

type googleMessage struct {
	Role  string `json:"role"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

func buildGoogleMessages(messages []orchestrator.Message) []googleMessage {
	var out []googleMessage
	for _, m := range messages {
		role := m.Role
		if role == "system" {
			role = "user"
		}
		if role == "assistant" {
			role = "model"
		}
		msg := googleMessage{Role: role}
		msg.Parts = append(msg.Parts, struct {
			Text string `json:"text"`
		}{Text: m.Content})
		out = append(out, msg)
	}
	return out
}

func (l *GoogleLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	payload := map[string]interface{}{
		"contents": buildGoogleMessages(messages),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url+"?key="+l.apiKey, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("google llm error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from google llm")
	}

	return result.Candidates[0].Content.Parts[0].Text, nil
}

type googleStreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// GenerateStream uses Gemini's streamGenerateContent endpoint with
// alt=sse, feeding text deltas through a SentenceSegmenter. Gemini's REST
// surface has no function-calling contract this core targets, so tools
// installed via SetTools are stored but never sent or invoked here. The
// system prompt goes out as a leading user-role message, as in Complete.
func (l *GoogleLLM) GenerateStream(ctx context.Context) (<-chan string, error) {
	out := make(chan string, 4)
	sysPrompt, history, _, _ := l.beginTurn()
	if sysPrompt != "" {
		history = append([]orchestrator.Message{{Role: "system", Content: sysPrompt}}, history...)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	l.setCancel(cancel)

	go func() {
		defer close(out)
		defer cancel()

		seg := orchestrator.NewSentenceSegmenter(60, 20)
		streamURL := strings.Replace(l.url, ":generateContent", ":streamGenerateContent", 1)
		payload := map[string]interface{}{
			"contents": buildGoogleMessages(history),
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return
		}

		req, err := http.NewRequestWithContext(streamCtx, "POST", streamURL+"?alt=sse&key="+l.apiKey, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := l.httpClient().Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				line := scanner.Text()
				if !strings.HasPrefix(line, "data: ") {
					continue
				}
				var chunk googleStreamChunk
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
					continue
				}
				if len(chunk.Candidates) == 0 {
					continue
				}
				for _, part := range chunk.Candidates[0].Content.Parts {
					l.appendPartial(part.Text)
					for _, sentence := range seg.Feed(part.Text) {
						select {
						case out <- sentence:
						case <-streamCtx.Done():
							return
						}
					}
				}
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

func (l *GoogleLLM) CheckConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", "https://generativelanguage.googleapis.com/v1beta/models?key="+l.apiKey, nil)
	if err != nil {
		return false
	}
	resp, err := l.httpClient().Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (l *GoogleLLM) Cleanup() {
	l.httpClient().CloseIdleConnections()
}

var _ orchestrator.LLMProvider = (*GoogleLLM)(nil)
