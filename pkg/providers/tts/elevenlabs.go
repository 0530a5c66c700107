package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ElevenLabsTTS synthesizes sentences over the ElevenLabs HTTP API,
// requesting raw 16 kHz PCM so the artifact needs no transcoding.
type ElevenLabsTTS struct {
	apiKey  string
	baseURL string
	voiceID string
	model   string
	client  *http.Client
}

func NewElevenLabsTTS(apiKey, voiceID string) *ElevenLabsTTS {
	return &ElevenLabsTTS{
		apiKey:  apiKey,
		baseURL: "https://api.elevenlabs.io",
		voiceID: voiceID,
		model:   "eleven_flash_v2_5",
		client:  http.DefaultClient,
	}
}

func (t *ElevenLabsTTS) Name() string { return "elevenlabs" }

func (t *ElevenLabsTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	payload := map[string]interface{}{
		"text":     text,
		"model_id": t.model,
		"voice_settings": map[string]interface{}{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=pcm_16000", t.baseURL, t.voiceID)
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("elevenlabs error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return io.ReadAll(resp.Body)
}
