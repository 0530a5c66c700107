package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

func TestServerHandlesClient(t *testing.T) {
	srv := NewServer(&mockSTT{}, &mockLLM{}, &mockTTS{}, DefaultConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.handleConn(ctx, w, r)
	}))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	client, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close(websocket.StatusNormalClosure, "")

	read := func() map[string]any {
		rctx, rcancel := context.WithTimeout(ctx, 2*time.Second)
		defer rcancel()
		_, data, err := client.Read(rctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		return m
	}

	if m := read(); m["type"] != TypeConfig || m["stt"] != "mock-stt" {
		t.Errorf("first message = %v", m)
	}
	if m := read(); m["type"] != TypeState || m["state"] != string(StateListening) {
		t.Errorf("second message = %v", m)
	}

	waitUntil(t, "session registered", func() bool { return srv.SessionCount() == 1 })

	if err := client.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m := read(); m["type"] != TypePong {
		t.Errorf("ping answer = %v", m)
	}

	client.Close(websocket.StatusNormalClosure, "done")
	waitUntil(t, "session unregistered", func() bool { return srv.SessionCount() == 0 })
}

func TestServerRunAddrInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	cfg := DefaultConfig()
	cfg.Port = port
	srv := NewServer(&mockSTT{}, &mockLLM{}, &mockTTS{}, cfg, zerolog.Nop())

	err = srv.Run(context.Background())
	if !errors.Is(err, ErrAddrInUse) {
		t.Errorf("run error = %v, want ErrAddrInUse", err)
	}
}

func TestServerShutdownDrainsSessions(t *testing.T) {
	srv := NewServer(&mockSTT{}, &mockLLM{}, &mockTTS{}, DefaultConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.handleConn(ctx, w, r)
	}))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	client, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close(websocket.StatusNormalClosure, "")

	waitUntil(t, "session registered", func() bool { return srv.SessionCount() == 1 })

	cancel()
	waitUntil(t, "session drained", func() bool { return srv.SessionCount() == 0 })
}
