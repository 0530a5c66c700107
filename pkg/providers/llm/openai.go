package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lokutor-ai/lokutor-gateway/pkg/gateway"
)

// OpenAILLM streams chat completions from any OpenAI-compatible endpoint.
// Groq speaks the same wire format, so both providers share this client.
type OpenAILLM struct {
	name   string
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewOpenAILLM(apiKey, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAILLM{
		name:   "openai-llm",
		apiKey: apiKey,
		url:    "https://api.openai.com/v1/chat/completions",
		model:  model,
		client: http.DefaultClient,
	}
}

func NewGroqLLM(apiKey, model string) *OpenAILLM {
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	return &OpenAILLM{
		name:   "groq-llm",
		apiKey: apiKey,
		url:    "https://api.groq.com/openai/v1/chat/completions",
		model:  model,
		client: http.DefaultClient,
	}
}

func (l *OpenAILLM) Name() string { return l.name }

// Stream issues one streaming completion request. The returned stream
// yields text deltas; closing it abandons the request.
func (l *OpenAILLM) Stream(ctx context.Context, messages []gateway.Message) (gateway.LLMStream, error) {
	payload := map[string]interface{}{
		"model":    l.model,
		"messages": messages,
		"stream":   true,
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

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		resp.Body.Close()
		return nil, fmt.Errorf("%s error (status %d): %v", l.name, resp.StatusCode, errResp)
	}

	return &sseStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// sseStream pulls text deltas out of a server-sent-events response body.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// chatChunk is one SSE data payload. Deltas that carry no text (tool-use
// artefacts, role markers, refusal metadata) decode to an empty Content
// and are filtered out.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (s *sseStream) Recv() (string, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "[DONE]" {
			return "", io.EOF
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
