package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lexiqai/companion-chat/internal/auth"
	"github.com/lexiqai/companion-chat/internal/config"
	"github.com/lexiqai/companion-chat/internal/devserver"
	"github.com/lexiqai/companion-chat/internal/observability"
	"github.com/lexiqai/companion-chat/internal/tts"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	store, err := devserver.OpenStore(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	defer store.Close()

	synth := tts.NewToneSynthesizer(tts.ToneConfig{
		SampleRate:    cfg.TTSSampleRate,
		ChunkDuration: time.Duration(cfg.TTSChunkMs) * time.Millisecond,
		Pace:          true,
	}, observability.WithComponent(logger, "tts"))

	server := devserver.New(devserver.Options{
		Store:       store,
		Issuer:      auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTLDuration()),
		Synthesizer: synth,
	}, observability.WithComponent(logger, "devserver"))

	logger.Info().
		Str("port", cfg.Port).
		Bool("persistent", cfg.DatabaseDSN != "").
		Int("tts_sample_rate", cfg.TTSSampleRate).
		Str("endpoint", fmt.Sprintf("ws://localhost:%s/api/chat/{id}/ws", cfg.Port)).
		Msg("Dev server starting")

	// Wait for interrupt signal to gracefully shutdown the server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, ":"+cfg.Port); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("Server exited gracefully")
}
