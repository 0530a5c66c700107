package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/lokutor-ai/lokutor-gateway/pkg/gateway"
	llmProvider "github.com/lokutor-ai/lokutor-gateway/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/lokutor-gateway/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/lokutor-gateway/pkg/providers/tts"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if lvl, err := zerolog.ParseLevel(v); err == nil {
			log = log.Level(lvl)
		}
	}

	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found, using system environment variables")
	}

	cfg := gateway.DefaultConfig()
	if err := cfg.FromEnv(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if deepgramKey == "" {
		log.Error().Msg("DEEPGRAM_API_KEY must be set")
		os.Exit(1)
	}
	stt := sttProvider.NewDeepgramSTT(deepgramKey, cfg.Language)

	// LLM selection
	var llm gateway.LLMProvider
	switch name := os.Getenv("LLM_PROVIDER"); name {
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			log.Error().Msg("OPENAI_API_KEY must be set for openai LLM")
			os.Exit(1)
		}
		llm = llmProvider.NewOpenAILLM(key, os.Getenv("LLM_MODEL"))
	case "groq", "":
		key := os.Getenv("GROQ_API_KEY")
		if key == "" {
			log.Error().Msg("GROQ_API_KEY must be set for groq LLM")
			os.Exit(1)
		}
		llm = llmProvider.NewGroqLLM(key, os.Getenv("LLM_MODEL"))
	default:
		log.Error().Str("provider", name).Msg("unknown LLM_PROVIDER")
		os.Exit(1)
	}

	// TTS selection
	var tts gateway.TTSProvider
	switch name := os.Getenv("TTS_PROVIDER"); name {
	case "elevenlabs":
		key := os.Getenv("ELEVENLABS_API_KEY")
		voice := os.Getenv("TTS_VOICE")
		if key == "" || voice == "" {
			log.Error().Msg("ELEVENLABS_API_KEY and TTS_VOICE must be set for elevenlabs TTS")
			os.Exit(1)
		}
		tts = ttsProvider.NewElevenLabsTTS(key, voice)
	case "lokutor", "":
		key := os.Getenv("LOKUTOR_API_KEY")
		if key == "" {
			log.Error().Msg("LOKUTOR_API_KEY must be set for lokutor TTS")
			os.Exit(1)
		}
		tts = ttsProvider.NewLokutorTTS(key, os.Getenv("TTS_VOICE"), cfg.Language)
	default:
		log.Error().Str("provider", name).Msg("unknown TTS_PROVIDER")
		os.Exit(1)
	}

	log.Info().
		Str("stt", stt.Name()).
		Str("llm", llm.Name()).
		Str("tts", tts.Name()).
		Str("language", cfg.Language).
		Int("port", cfg.Port).
		Msg("gateway configured")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := gateway.NewServer(stt, llm, tts, cfg, log)
	if err := srv.Run(ctx); err != nil {
		if errors.Is(err, gateway.ErrAddrInUse) {
			log.Error().Err(err).Msg("port already bound")
			os.Exit(2)
		}
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
	log.Info().Msg("shut down cleanly")
}
