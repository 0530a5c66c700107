package gateway

import "context"

// STTCallbacks receive events from a live STT upstream. They are invoked
// from the upstream's read loop and must not block.
type STTCallbacks struct {
	// Interim receives partial hypotheses. Informational only; interims
	// never advance the session.
	Interim func(text string)
	// Final receives one finalized segment of the current utterance.
	Final func(text string)
	// UtteranceEnd receives the full accumulated transcript of the
	// utterance when the upstream decides the user stopped speaking.
	UtteranceEnd func(transcript string)
	// Err receives upstream failures. The stream is dead afterwards.
	Err func(err error)
}

// STTStream is one bound upstream STT connection.
type STTStream interface {
	// Send forwards one raw PCM frame. It must not block the caller.
	Send(pcm []byte) error
	// Close tears the upstream connection down. Idempotent.
	Close() error
}

// STTProvider opens streaming transcription sessions.
type STTProvider interface {
	Stream(ctx context.Context, cb STTCallbacks) (STTStream, error)
	Name() string
}

// Message is one chat turn sent to the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMStream is a pull-based stream of response text deltas.
type LLMStream interface {
	// Recv returns the next text delta, or io.EOF when the stream is done.
	Recv() (string, error)
	// Close abandons the underlying request. Idempotent.
	Close() error
}

// LLMProvider issues streaming chat completions.
type LLMProvider interface {
	Stream(ctx context.Context, messages []Message) (LLMStream, error)
	Name() string
}

// TTSProvider synthesizes one sentence to one raw PCM artifact
// (S16LE, 16 kHz, mono). Jobs are dispatched strictly serially per turn;
// implementations may additionally serialize across turns to respect
// upstream rate limits.
type TTSProvider interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Name() string
}
