package tts

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/lokutor-gateway/pkg/gateway"
)

// LokutorTTS synthesizes single sentences over a persistent websocket.
// The connection is serialized with a mutex: the upstream is rate-limited
// and one in-flight request at a time is part of the contract.
type LokutorTTS struct {
	apiKey string
	host   string
	scheme string
	voice  string
	lang   string
	mu     sync.Mutex
	conn   *websocket.Conn
}

func NewLokutorTTS(apiKey, voice, lang string) *LokutorTTS {
	if voice == "" {
		voice = "F1"
	}
	return &LokutorTTS{
		apiKey: apiKey,
		host:   "api.lokutor.com",
		scheme: "wss",
		voice:  voice,
		lang:   lang,
	}
}

func (t *LokutorTTS) Name() string { return "lokutor" }

func (t *LokutorTTS) getConn(ctx context.Context) (*websocket.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}
	u := url.URL{Scheme: t.scheme, Host: t.host, Path: "/ws", RawQuery: "api_key=" + t.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lokutor: %w", err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)
	t.conn = conn
	return conn, nil
}

// Synthesize turns one sentence into one raw PCM S16LE artifact at 16 kHz
// mono. Binary frames are audio; the stream ends on an "EOS" text frame.
func (t *LokutorTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := t.getConn(ctx)
	if err != nil {
		return nil, err
	}

	req := map[string]interface{}{
		"text":        text,
		"voice":       t.voice,
		"lang":        t.lang,
		"sample_rate": gateway.AudioSampleRate,
		"speed":       1.0,
		"steps":       6,
		"visemes":     false,
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.conn = nil
		conn.Close(websocket.StatusAbnormalClosure, "failed to write json")
		return nil, fmt.Errorf("failed to send synthesis request: %w", err)
	}

	var audio []byte
	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			t.conn = nil
			conn.Close(websocket.StatusAbnormalClosure, "failed to read")
			return nil, fmt.Errorf("failed to read from lokutor: %w", err)
		}
		switch messageType {
		case websocket.MessageBinary:
			audio = append(audio, payload...)
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return audio, nil
			}
			if len(msg) >= 4 && msg[:4] == "ERR:" {
				return nil, fmt.Errorf("lokutor error: %s", msg)
			}
		}
	}
}

func (t *LokutorTTS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close(websocket.StatusNormalClosure, "")
		t.conn = nil
		return err
	}
	return nil
}
