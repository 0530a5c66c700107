package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/lokutor-gateway/pkg/gateway"
)

// Endpointing and utterance-end windows tuned for conversational turns.
const (
	endpointingMS  = 500
	utteranceEndMS = 1500
	keepAliveEvery = 5 * time.Second
)

// DeepgramSTT opens live transcription sessions against the Deepgram
// streaming API.
type DeepgramSTT struct {
	apiKey   string
	host     string
	scheme   string
	language string
	model    string
}

func NewDeepgramSTT(apiKey, language string) *DeepgramSTT {
	return &DeepgramSTT{
		apiKey:   apiKey,
		host:     "api.deepgram.com",
		scheme:   "wss",
		language: language,
		model:    "nova-2",
	}
}

func (d *DeepgramSTT) Name() string {
	return "deepgram-stt"
}

// Stream dials one live session. ctx bounds establishment only; the
// returned stream lives until Close.
func (d *DeepgramSTT) Stream(ctx context.Context, cb gateway.STTCallbacks) (gateway.STTStream, error) {
	u := url.URL{Scheme: d.scheme, Host: d.host, Path: "/v1/listen"}
	q := u.Query()
	q.Set("model", d.model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", gateway.AudioSampleRate))
	q.Set("channels", fmt.Sprintf("%d", gateway.AudioChannels))
	q.Set("language", d.language)
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")
	q.Set("endpointing", fmt.Sprintf("%d", endpointingMS))
	q.Set("utterance_end_ms", fmt.Sprintf("%d", utteranceEndMS))
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+d.apiKey)

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	sctx, cancel := context.WithCancel(context.Background())
	ls := &liveStream{
		conn:   conn,
		cb:     cb,
		ctx:    sctx,
		cancel: cancel,
		sendCh: make(chan []byte, 64),
	}
	go ls.readLoop()
	go ls.writePump()
	return ls, nil
}

// liveStream is one bound Deepgram connection. Finalized segments
// accumulate in the utterance buffer until the upstream signals
// utterance end, which flushes and clears it.
type liveStream struct {
	conn   *websocket.Conn
	cb     gateway.STTCallbacks
	ctx    context.Context
	cancel context.CancelFunc
	sendCh chan []byte

	utterance strings.Builder

	closeOnce sync.Once
}

// deepgramMessage covers the two frame types the pipeline cares about.
type deepgramMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Send queues one PCM frame for the upstream. It never blocks; when the
// write pump is saturated the oldest queued frame is dropped, which only
// loses audio the upstream is already too far behind to use.
func (ls *liveStream) Send(pcm []byte) error {
	select {
	case <-ls.ctx.Done():
		return gateway.ErrConnClosed
	default:
	}
	select {
	case ls.sendCh <- pcm:
	default:
		select {
		case <-ls.sendCh:
		default:
		}
		select {
		case ls.sendCh <- pcm:
		default:
		}
	}
	return nil
}

// Close tears the upstream down. Idempotent.
func (ls *liveStream) Close() error {
	ls.closeOnce.Do(func() {
		// Best effort: tell Deepgram the stream is over before dropping it.
		cctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = wsjson.Write(cctx, ls.conn, map[string]string{"type": "CloseStream"})
		cancel()
		ls.cancel()
		ls.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (ls *liveStream) writePump() {
	keepAlive := time.NewTicker(keepAliveEvery)
	defer keepAlive.Stop()
	for {
		select {
		case pcm := <-ls.sendCh:
			if err := ls.conn.Write(ls.ctx, websocket.MessageBinary, pcm); err != nil {
				ls.cancel()
				return
			}
			keepAlive.Reset(keepAliveEvery)
		case <-keepAlive.C:
			// Deepgram closes idle connections unless it hears from us.
			if err := wsjson.Write(ls.ctx, ls.conn, map[string]string{"type": "KeepAlive"}); err != nil {
				ls.cancel()
				return
			}
		case <-ls.ctx.Done():
			return
		}
	}
}

func (ls *liveStream) readLoop() {
	for {
		_, payload, err := ls.conn.Read(ls.ctx)
		if err != nil {
			if ls.ctx.Err() == nil && ls.cb.Err != nil {
				ls.cb.Err(fmt.Errorf("%w: %v", gateway.ErrSTTFailed, err))
			}
			ls.cancel()
			return
		}
		var msg deepgramMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			text := msg.Channel.Alternatives[0].Transcript
			if strings.TrimSpace(text) == "" {
				continue
			}
			if msg.IsFinal {
				if ls.utterance.Len() > 0 {
					ls.utterance.WriteByte(' ')
				}
				ls.utterance.WriteString(text)
				if ls.cb.Final != nil {
					ls.cb.Final(text)
				}
			} else if ls.cb.Interim != nil {
				ls.cb.Interim(text)
			}
		case "UtteranceEnd":
			full := strings.TrimSpace(ls.utterance.String())
			ls.utterance.Reset()
			if ls.cb.UtteranceEnd != nil {
				ls.cb.UtteranceEnd(full)
			}
		}
	}
}
