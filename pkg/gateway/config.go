package gateway

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the tunables of a gateway process. Zero values are not
// usable; start from DefaultConfig.
type Config struct {
	// Port the websocket endpoint listens on.
	Port int

	// Language is the user-facing locale, passed to STT and the system prompt.
	Language string

	// SystemPrompt is prepended to every LLM request.
	SystemPrompt string

	// MaxContextMessages bounds the in-memory conversation history.
	MaxContextMessages int

	STTStartTimeout time.Duration
	LLMTimeout      time.Duration
	TTSTimeout      time.Duration

	// PlaybackDoneTimeout forces the session back to listening when the
	// client never acknowledges playback. Must be positive.
	PlaybackDoneTimeout time.Duration

	// PostPlaybackMute absorbs speaker decay and room reverb after a turn.
	// Must be positive.
	PostPlaybackMute time.Duration

	// InterruptMute is the short mute applied after a barge-in.
	InterruptMute time.Duration

	HeartbeatInterval time.Duration

	// MaxBufferedBytes is the outbound high watermark per connection.
	MaxBufferedBytes int64
}

// DefaultConfig returns the hand-tuned production values.
func DefaultConfig() Config {
	return Config{
		Port:                8765,
		Language:            "nl",
		SystemPrompt:        "Je bent een behulpzame spraakassistent. Antwoord kort en informeel, in één tot drie zinnen. Gebruik geen opmaak of opsommingen.",
		MaxContextMessages:  20,
		STTStartTimeout:     10 * time.Second,
		LLMTimeout:          30 * time.Second,
		TTSTimeout:          30 * time.Second,
		PlaybackDoneTimeout: 30 * time.Second,
		PostPlaybackMute:    500 * time.Millisecond,
		InterruptMute:       150 * time.Millisecond,
		HeartbeatInterval:   30 * time.Second,
		MaxBufferedBytes:    8 << 20,
	}
}

// FromEnv overlays the optional environment variables onto c and validates
// the result. Credentials are handled by the callers that construct
// providers, not here.
func (c *Config) FromEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("invalid PORT %q", v)
		}
		c.Port = p
	}
	if v := os.Getenv("LANGUAGE"); v != "" {
		c.Language = v
	}
	if v := os.Getenv("PLAYBACK_DONE_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return fmt.Errorf("PLAYBACK_DONE_TIMEOUT_MS must be a positive integer, got %q", v)
		}
		c.PlaybackDoneTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("POST_PLAYBACK_MUTE_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return fmt.Errorf("POST_PLAYBACK_MUTE_MS must be a positive integer, got %q", v)
		}
		c.PostPlaybackMute = time.Duration(ms) * time.Millisecond
	}
	return c.Validate()
}

// Validate rejects configurations that would break the echo discipline.
func (c *Config) Validate() error {
	if c.PlaybackDoneTimeout <= 0 {
		return fmt.Errorf("PlaybackDoneTimeout must be positive")
	}
	if c.PostPlaybackMute <= 0 {
		return fmt.Errorf("PostPlaybackMute must be positive")
	}
	if c.InterruptMute <= 0 {
		return fmt.Errorf("InterruptMute must be positive")
	}
	if c.MaxBufferedBytes <= 0 {
		return fmt.Errorf("MaxBufferedBytes must be positive")
	}
	return nil
}
