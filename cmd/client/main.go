// Command client is a developer voice client for the gateway: it streams
// the microphone over the websocket, plays returned audio and handles the
// playback_done / interrupt handshake. Meant for manual end-to-end runs
// against a local gateway.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/gen2brain/malgo"

	"github.com/lokutor-ai/lokutor-gateway/pkg/audio"
	"github.com/lokutor-ai/lokutor-gateway/pkg/gateway"
)

// serverFrame is the union of every server message; Type discriminates.
type serverFrame struct {
	Type    string        `json:"type"`
	Version string        `json:"version,omitempty"`
	STT     string        `json:"stt,omitempty"`
	TTS     string        `json:"tts,omitempty"`
	Backend string        `json:"backend,omitempty"`
	State   gateway.State `json:"state,omitempty"`
	Text    string        `json:"text,omitempty"`
	Data    string        `json:"data,omitempty"`
	Index   int           `json:"index,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func main() {
	addr := flag.String("addr", "ws://localhost:8765", "gateway websocket address")
	record := flag.String("record", "", "write received speech to this WAV file on exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(16 << 20)

	var (
		playbackMu    sync.Mutex
		playbackBytes []byte
		audioEnded    bool
		recorded      []byte
	)

	var sendMu sync.Mutex
	send := func(v any) {
		sendMu.Lock()
		defer sendMu.Unlock()
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
		defer wcancel()
		if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
			cancel()
		}
	}

	// Receive loop: feed audio into the playback buffer, print the rest.
	go func() {
		defer cancel()
		for {
			_, payload, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var frame serverFrame
			if err := json.Unmarshal(payload, &frame); err != nil {
				continue
			}
			switch frame.Type {
			case gateway.TypeConfig:
				fmt.Printf("connected: backend=%s stt=%s tts=%s protocol=%s\n",
					frame.Backend, frame.STT, frame.TTS, frame.Version)
			case gateway.TypeState:
				fmt.Printf("\r\033[K[STATE] %s\n", frame.State)
			case gateway.TypeTranscript:
				fmt.Printf("\r\033[K[YOU] %s\n", frame.Text)
			case gateway.TypeAudio:
				pcm, err := base64.StdEncoding.DecodeString(frame.Data)
				if err != nil {
					continue
				}
				playbackMu.Lock()
				playbackBytes = append(playbackBytes, pcm...)
				recorded = append(recorded, pcm...)
				playbackMu.Unlock()
			case gateway.TypeAudioEnd:
				playbackMu.Lock()
				audioEnded = true
				playbackMu.Unlock()
			case gateway.TypeError:
				fmt.Printf("\r\033[K[ERROR] %s\n", frame.Error)
			}
		}
	}()

	// Enter = barge-in.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			playbackMu.Lock()
			playbackBytes = nil
			audioEnded = false
			playbackMu.Unlock()
			send(gateway.ClientMessage{Type: gateway.TypeInterrupt})
			fmt.Printf("\r\033[K[INTERRUPT]\n")
		}
	}()

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	var rmsMu sync.Mutex
	lastRMS := 0.0

	micFrames := make(chan []byte, 64)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case pcm := <-micFrames:
				send(gateway.ClientMessage{
					Type: gateway.TypeAudio,
					Data: base64.StdEncoding.EncodeToString(pcm),
				})
			}
		}
	}()

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			rmsMu.Lock()
			lastRMS = audio.Level(pInput)
			rmsMu.Unlock()

			frame := make([]byte, len(pInput))
			copy(frame, pInput)
			select {
			case micFrames <- frame:
			default:
				// Sender behind; dropping a mic frame beats blocking the
				// audio thread.
			}
		}
		if pOutput != nil {
			playbackMu.Lock()
			n := copy(pOutput, playbackBytes)
			playbackBytes = playbackBytes[n:]
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
			if audioEnded && len(playbackBytes) == 0 {
				audioEnded = false
				go send(gateway.ClientMessage{Type: gateway.TypePlaybackDone})
			}
			playbackMu.Unlock()
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = gateway.AudioChannels
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = gateway.AudioChannels
	deviceConfig.SampleRate = gateway.AudioSampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Talking to", *addr, "- press Enter to interrupt, Ctrl+C to quit")

	// Mic level meter.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			rmsMu.Lock()
			level := lastRMS
			rmsMu.Unlock()
			dots := int(level * 500)
			if dots > 40 {
				dots = 40
			}
			meter := ""
			for i := 0; i < dots; i++ {
				meter += "|"
			}
			fmt.Printf("\r[MIC %-40s] %.5f", meter, level)
		}
	}()

	<-ctx.Done()
	fmt.Println("\nshutting down")

	if *record != "" {
		playbackMu.Lock()
		pcm := recorded
		playbackMu.Unlock()
		wav := audio.NewWavBuffer(pcm, gateway.AudioSampleRate)
		if err := os.WriteFile(*record, wav, 0o644); err != nil {
			log.Printf("write %s: %v", *record, err)
		} else {
			fmt.Printf("wrote %s (%s of audio)\n", *record, audio.Duration(pcm, gateway.AudioSampleRate))
		}
	}
}
