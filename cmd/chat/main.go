package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-chat/internal/audio"
	"github.com/lexiqai/companion-chat/internal/auth"
	"github.com/lexiqai/companion-chat/internal/chat"
	"github.com/lexiqai/companion-chat/internal/config"
	"github.com/lexiqai/companion-chat/internal/history"
	"github.com/lexiqai/companion-chat/internal/observability"
	"github.com/lexiqai/companion-chat/internal/playback"
	"github.com/lexiqai/companion-chat/internal/protocol"
	"github.com/lexiqai/companion-chat/internal/resilience"
	"github.com/lexiqai/companion-chat/internal/session"
	"github.com/lexiqai/companion-chat/internal/transport"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Logs go to stderr so stdout stays free for the conversation (or raw PCM)
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("api_base_url", cfg.APIBaseURL).
		Str("ws_base_url", cfg.WebSocketBaseURL()).
		Str("conversation_id", cfg.ConversationID).
		Bool("voice_enabled", cfg.VoiceEnabled).
		Msg("Companion chat client starting")

	tokens := tokenProvider(cfg)

	historyClient := history.NewClient(history.Config{
		BaseURL: cfg.APIBaseURL,
		Timeout: cfg.HistoryTimeoutDuration(),
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    cfg.RetryInitialBackoffDuration(),
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		BreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
		BreakerResetTimeout: cfg.CircuitBreakerResetTimeoutDuration(),
	}, tokens, observability.WithComponent(logger, "history"))

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsServer = startMetricsServer(cfg, historyClient, logger)
	}

	tcfg := transport.DefaultConfig(cfg.WebSocketBaseURL(), cfg.ConversationID, tokens)
	tcfg.HeartbeatInterval = cfg.HeartbeatIntervalDuration()
	tcfg.HeartbeatTimeout = cfg.HeartbeatTimeoutDuration()
	tcfg.HandshakeTimeout = cfg.HandshakeTimeoutDuration()
	tcfg.Backoff = resilience.BackoffConfig{
		Initial:    cfg.ReconnectInitialBackoffDuration(),
		Multiplier: cfg.ReconnectMultiplier,
		Max:        cfg.ReconnectMaxBackoffDuration(),
	}

	quit := make(chan struct{}, 1)
	transcript := &printer{out: os.Stdout}
	if cfg.AudioOutput == "-" {
		// stdout carries audio; the transcript moves to stderr
		transcript.out = os.Stderr
	}

	manager := chat.NewManager(chat.Config{
		Transport:    tcfg,
		History:      historyClient,
		NewOutput:    outputFactory(cfg, logger),
		VoiceEnabled: cfg.VoiceEnabled,
		Scheduler: playback.SchedulerConfig{
			SampleRate:    cfg.AudioSampleRate,
			SafetyMargin:  cfg.PlaybackSafetyMarginSeconds(),
			ResumeTimeout: 5 * time.Second,
		},
	}, chat.Callbacks{
		OnMessages: transcript.messages,
		OnConnectionState: func(s transport.State) {
			logger.Info().Str("state", s.String()).Msg("Connection state changed")
		},
		OnPlaybackState: func(s playback.State) {
			logger.Debug().Str("state", s.String()).Msg("Playback state changed")
		},
		OnServerError: func(message string) {
			transcript.printf("! %s\n", message)
		},
		OnFatal: func(err error) {
			logger.Error().Err(err).Msg("Connection lost permanently")
			select {
			case quit <- struct{}{}:
			default:
			}
		},
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	_, err = manager.Switch(ctx, cfg.ConversationID)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open conversation")
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

loop:
	for {
		select {
		case <-signals:
			break loop
		case <-quit:
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if !handleCommand(manager, transcript, line, logger) {
				break loop
			}
		}
	}

	logger.Info().Msg("Shutting down chat client...")
	manager.Close()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Metrics server forced to shutdown")
		}
	}

	logger.Info().Msg("Chat client exited gracefully")
}

func tokenProvider(cfg *config.Config) auth.TokenProvider {
	if cfg.AuthTokenURL != "" {
		return auth.NewHTTPTokenSource(cfg.AuthTokenURL, cfg.AuthSubject, nil)
	}
	return auth.StaticToken(cfg.AuthToken)
}

// outputFactory opens the configured sink lazily, on the first voiced reply
func outputFactory(cfg *config.Config, logger zerolog.Logger) func() (chat.OutputDevice, error) {
	return func() (chat.OutputDevice, error) {
		var w io.Writer
		var file *os.File
		switch cfg.AudioOutput {
		case "":
			w = io.Discard
		case "-":
			w = os.Stdout
		default:
			f, err := os.Create(cfg.AudioOutput)
			if err != nil {
				return nil, fmt.Errorf("failed to open audio output: %w", err)
			}
			file, w = f, f
		}

		out := audio.NewStreamOutput(w, audio.OutputConfig{SampleRate: cfg.AudioSampleRate},
			observability.WithComponent(logger, "audio_output"))
		logger.Info().Str("sink", cfg.AudioOutput).Int("sample_rate", cfg.AudioSampleRate).Msg("Audio output opened")
		if file == nil {
			return out, nil
		}
		return &fileOutput{StreamOutput: out, file: file}, nil
	}
}

// fileOutput closes the backing file after the output drains
type fileOutput struct {
	*audio.StreamOutput
	file *os.File
}

func (o *fileOutput) Close() error {
	return errors.Join(o.StreamOutput.Close(), o.file.Close())
}

func startMetricsServer(cfg *config.Config, historyClient *history.Client, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler("companion-chat"))
	mux.HandleFunc("/ready", observability.ReadinessHandler("companion-chat", map[string]observability.HealthCheckFunc{
		"history": func(ctx context.Context) (bool, error) {
			if err := historyClient.Check(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
	}))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.MetricsPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.MetricsPort).Msg("Prometheus metrics enabled at /metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return server
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// handleCommand runs one line of input. It returns false when the client should exit.
func handleCommand(manager *chat.Manager, p *printer, line string, logger zerolog.Logger) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	s := manager.Current()
	if s == nil {
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return false

	case "/stop":
		s.StopAudio()

	case "/voice":
		if len(fields) > 1 {
			s.SetVoiceEnabled(fields[1] == "on")
		}
		p.printf("voice %s\n", onOff(s.VoiceEnabled()))

	case "/history":
		p.reset()
		p.messages(s.Messages())

	case "/open":
		if len(fields) < 2 {
			p.printf("usage: /open <conversation-id>\n")
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p.reset()
		if _, err := manager.Switch(ctx, fields[1]); err != nil {
			logger.Error().Err(err).Str("conversation_id", fields[1]).Msg("Failed to open conversation")
			return false
		}

	case "/rest":
		content := strings.TrimSpace(strings.TrimPrefix(line, "/rest"))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.SendOptimistic(ctx, content); err != nil {
			p.printf("! send failed: %v\n", err)
		}

	default:
		if err := s.Send(line); err != nil {
			p.printf("! send failed: %v\n", err)
		}
	}
	return true
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// printer writes each persisted message of the reconciled view once
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	seen map[string]bool
}

func (p *printer) reset() {
	p.mu.Lock()
	p.seen = nil
	p.mu.Unlock()
}

func (p *printer) messages(msgs []protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = make(map[string]bool)
	}
	for _, m := range msgs {
		if p.seen[m.ID] || strings.HasPrefix(m.ID, session.LocalIDPrefix) {
			continue
		}
		p.seen[m.ID] = true
		fmt.Fprintf(p.out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.Role, m.Content)
	}
}

func (p *printer) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}
