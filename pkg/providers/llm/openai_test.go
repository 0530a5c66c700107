package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lokutor-ai/lokutor-gateway/pkg/gateway"
)

func sseChunk(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]any{"content": content}}},
	})
	return "data: " + string(b) + "\n\n"
}

func TestOpenAIStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		var req struct {
			Model    string            `json:"model"`
			Messages []gateway.Message `json:"messages"`
			Stream   bool              `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream || req.Model != "test-model" || len(req.Messages) != 2 {
			t.Errorf("request = %+v", req)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("Hallo"))
		fmt.Fprint(w, sseChunk("")) // role marker / tool noise, must be filtered
		fmt.Fprint(w, sseChunk(" daar."))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	l := &OpenAILLM{
		name:   "openai-llm",
		apiKey: "test-key",
		url:    server.URL,
		model:  "test-model",
		client: server.Client(),
	}

	stream, err := l.Stream(context.Background(), []gateway.Message{
		{Role: "system", Content: "wees kort"},
		{Role: "user", Content: "hoi"},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer stream.Close()

	var deltas []string
	for {
		d, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		deltas = append(deltas, d)
	}
	if len(deltas) != 2 || deltas[0] != "Hallo" || deltas[1] != " daar." {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestOpenAIStreamHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer server.Close()

	l := &OpenAILLM{
		name:   "openai-llm",
		apiKey: "wrong",
		url:    server.URL,
		model:  "test-model",
		client: server.Client(),
	}
	if _, err := l.Stream(context.Background(), nil); err == nil {
		t.Fatal("no error for a 401 response")
	}
}

func TestProviderDefaults(t *testing.T) {
	if l := NewOpenAILLM("k", ""); l.model != "gpt-4o-mini" || l.Name() != "openai-llm" {
		t.Errorf("openai defaults: model=%q name=%q", l.model, l.Name())
	}
	if l := NewGroqLLM("k", ""); l.model != "llama-3.3-70b-versatile" || l.Name() != "groq-llm" {
		t.Errorf("groq defaults: model=%q name=%q", l.model, l.Name())
	}
	if l := NewGroqLLM("k", "custom"); l.model != "custom" {
		t.Errorf("model override ignored: %q", l.model)
	}
}
