package gateway

import "encoding/base64"

// Wire protocol: one JSON object per websocket text frame, discriminated by
// the "type" field.

// Client -> server message types.
const (
	TypeAudio        = "audio"
	TypePlaybackDone = "playback_done"
	TypeInterrupt    = "interrupt"
	TypePing         = "ping"
)

// Server -> client message types.
const (
	TypeConfig     = "config"
	TypeState      = "state"
	TypeTranscript = "transcript"
	TypeAudioEnd   = "audio_end"
	TypeError      = "error"
	TypePong       = "pong"
)

// ProtocolVersion is advertised in the config descriptor sent on connect.
const ProtocolVersion = "1"

// AudioFormat describes the only audio encoding the gateway speaks:
// raw PCM, signed 16-bit little-endian, 16 kHz, mono. No container.
const (
	AudioFormat     = "pcm_s16le"
	AudioSampleRate = 16000
	AudioChannels   = 1
)

// ClientMessage is the envelope for every inbound frame.
type ClientMessage struct {
	Type string `json:"type"`
	// Data carries base64-encoded PCM for "audio" messages.
	Data string `json:"data,omitempty"`
}

// ConfigMessage is sent exactly once, immediately after accept.
type ConfigMessage struct {
	Type                string `json:"type"`
	Version             string `json:"version"`
	STT                 string `json:"stt"`
	TTS                 string `json:"tts"`
	SpeakerVerification bool   `json:"speakerVerification"`
	Backend             string `json:"backend"`
}

// StateMessage announces a session state transition.
type StateMessage struct {
	Type  string `json:"type"`
	State State  `json:"state"`
}

// TranscriptMessage carries the finalized user utterance. Informational;
// it does not require any client action.
type TranscriptMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AudioMessage carries one synthesized sentence. Index values within a turn
// form a contiguous increasing sequence starting at 0, except for indices
// whose synthesis failed, which are skipped entirely.
type AudioMessage struct {
	Type       string `json:"type"`
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	Data       string `json:"data"`
	Index      int    `json:"index"`
}

// AudioEndMessage closes the audio stream for the current turn. It follows
// every AudioMessage of that turn.
type AudioEndMessage struct {
	Type string `json:"type"`
}

// ErrorMessage reports a recoverable failure. The connection stays open.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// PongMessage answers a client "ping".
type PongMessage struct {
	Type string `json:"type"`
}

func newStateMessage(s State) StateMessage {
	return StateMessage{Type: TypeState, State: s}
}

func newTranscriptMessage(text string) TranscriptMessage {
	return TranscriptMessage{Type: TypeTranscript, Text: text}
}

func newAudioMessage(index int, pcm []byte) AudioMessage {
	return AudioMessage{
		Type:       TypeAudio,
		Format:     AudioFormat,
		SampleRate: AudioSampleRate,
		Channels:   AudioChannels,
		Data:       base64.StdEncoding.EncodeToString(pcm),
		Index:      index,
	}
}

func newErrorMessage(reason string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Error: reason}
}
