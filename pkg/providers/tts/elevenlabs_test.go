package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestElevenLabsSynthesize(t *testing.T) {
	pcm := []byte{10, 20, 30, 40}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/text-to-speech/voice-123") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("output_format") != "pcm_16000" {
			t.Errorf("output_format = %q", r.URL.Query().Get("output_format"))
		}
		if r.Header.Get("xi-api-key") != "test-key" {
			t.Errorf("api key header = %q", r.Header.Get("xi-api-key"))
		}
		var req struct {
			Text    string `json:"text"`
			ModelID string `json:"model_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Text != "hallo daar" || req.ModelID == "" {
			t.Errorf("request = %+v", req)
		}
		w.Write(pcm)
	}))
	defer server.Close()

	tts := NewElevenLabsTTS("test-key", "voice-123")
	tts.baseURL = server.URL

	audio, err := tts.Synthesize(context.Background(), "hallo daar")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(audio) != len(pcm) {
		t.Errorf("audio = %d bytes, want %d", len(audio), len(pcm))
	}
	if tts.Name() != "elevenlabs" {
		t.Errorf("name = %q", tts.Name())
	}
}

func TestElevenLabsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"detail":"rate limited"}`))
	}))
	defer server.Close()

	tts := NewElevenLabsTTS("test-key", "voice-123")
	tts.baseURL = server.URL

	if _, err := tts.Synthesize(context.Background(), "hallo"); err == nil {
		t.Fatal("no error for a 429 response")
	}
}
