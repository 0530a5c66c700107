package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// newWSPair spins up a loopback websocket and returns the server-side Conn
// plus the raw client connection.
func newWSPair(t *testing.T, cfg Config) (*Conn, *websocket.Conn) {
	t.Helper()
	connCh := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn(r.Context(), ws, cfg, zerolog.Nop())
		connCh <- c
		<-c.Closed()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close(websocket.StatusNormalClosure, "") })

	c := <-connCh
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "test done") })
	return c, client
}

func TestConnSendDeliversJSON(t *testing.T) {
	c, client := newWSPair(t, DefaultConfig())

	if err := c.Send(newStateMessage(StateSpeaking)); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Errorf("frame type = %v", typ)
	}
	var msg StateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != TypeState || msg.State != StateSpeaking {
		t.Errorf("message = %+v", msg)
	}
}

func TestConnBackpressureCloses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBufferedBytes = 16 // any real message blows past this
	c, client := newWSPair(t, cfg)

	err := c.Send(newAudioMessage(0, make([]byte, 1024)))
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("send error = %v, want ErrBackpressure", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, rerr := client.Read(ctx)
	if rerr == nil {
		t.Fatal("connection survived the watermark breach")
	}
	if code := websocket.CloseStatus(rerr); code != StatusBackpressure {
		t.Errorf("close code = %d, want %d", code, StatusBackpressure)
	}
}

func TestConnSendAfterClose(t *testing.T) {
	c, _ := newWSPair(t, DefaultConfig())
	c.Close(websocket.StatusNormalClosure, "bye")
	if err := c.Send(newStateMessage(StateListening)); !errors.Is(err, ErrConnClosed) {
		t.Errorf("send error = %v, want ErrConnClosed", err)
	}
}

func TestConnHeartbeatKeepsResponsiveClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	c, client := newWSPair(t, cfg)

	// A client blocked in Read answers pings automatically; the heartbeat
	// must not kill it. Pongs only get processed while a read is pending,
	// so pump both sides the way the server read loop does.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			if _, _, err := client.Read(ctx); err != nil {
				return
			}
		}
	}()
	go func() {
		for {
			if _, err := c.ReadMessage(ctx); err != nil {
				return
			}
		}
	}()

	time.Sleep(150 * time.Millisecond)
	if err := c.Send(newStateMessage(StateListening)); err != nil {
		t.Errorf("connection died under heartbeat: %v", err)
	}
}

func TestConnReadMessageSkipsBinary(t *testing.T) {
	c, client := newWSPair(t, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	if err := client.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write text: %v", err)
	}

	data, err := c.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"type":"ping"}` {
		t.Errorf("data = %q", data)
	}
}
