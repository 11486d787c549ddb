package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gordonklaus/portaudio"

	"github.com/sjawhar/voice-tutor/internal/audio"
	"github.com/sjawhar/voice-tutor/internal/config"
	"github.com/sjawhar/voice-tutor/internal/display"
	"github.com/sjawhar/voice-tutor/internal/events"
	"github.com/sjawhar/voice-tutor/internal/gdrive"
	"github.com/sjawhar/voice-tutor/internal/logging"
	"github.com/sjawhar/voice-tutor/internal/mcptools"
	"github.com/sjawhar/voice-tutor/internal/recap"
	"github.com/sjawhar/voice-tutor/internal/server"
	"github.com/sjawhar/voice-tutor/internal/session"
	"github.com/sjawhar/voice-tutor/internal/storage"
	"github.com/sjawhar/voice-tutor/internal/timing"
	"github.com/sjawhar/voice-tutor/internal/transport"
	"github.com/sjawhar/voice-tutor/internal/transport/deepgram"
	"github.com/sjawhar/voice-tutor/internal/tui"
)

var version = "dev"

const framesPerBuffer = 1024

type options struct {
	configPath string
	mode       string
	session    session.Config
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", envOr(config.EnvPrefix+"CONFIG", "config.yaml"), "path to YAML config")
	flag.StringVar(&opts.mode, "mode", "web", "front end: web, tui or mcp")
	flag.StringVar(&opts.session.Identity, "identity", os.Getenv("USER"), "student identity for tui sessions")
	flag.StringVar(&opts.session.Topic, "topic", "", "lesson topic for tui sessions")
	flag.IntVar(&opts.session.Grade, "grade", 0, "school grade for tui sessions")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "voice-tutor: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	switch opts.mode {
	case "web", "tui", "mcp":
	default:
		return fmt.Errorf("unknown mode %q", opts.mode)
	}

	cfg, warnings, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logOut, closeLog, err := logOutput(opts.mode, cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	logger := logging.New(logOut, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	for _, w := range warnings {
		logger.Warn("config", "warning", w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	defer func() { _ = store.Close() }()

	bus := events.NewBus(logger)
	buffer := display.NewBuffer(display.Options{
		MaxItems:    cfg.Display.MaxItems,
		DedupWindow: cfg.ParsedDedupWindow(),
	})
	lo, hi := cfg.LeadWindow()
	coordinator := timing.NewCoordinator(timing.Options{Window: timing.Window{Min: lo, Max: hi}, Logger: logger})

	if err := portaudio.Initialize(); err != nil {
		logger.Warn("audio unavailable", "error", err)
	} else {
		defer func() { _ = portaudio.Terminate() }()
	}

	recorder := audio.NewRecorder(cfg.AudioDir)
	micRate := cfg.MicSampleRate
	mic, err := audio.OpenMic(cfg.SampleRateCandidates(), framesPerBuffer, logger)
	if err != nil {
		logger.Warn("microphone unavailable, running without student audio", "error", err)
		mic = nil
	} else {
		micRate = mic.SampleRate()
		recorder.SetSampleRate(micRate)
		defer func() {
			_ = mic.Stop()
			_ = mic.Close()
		}()
	}

	ws := &transport.WebSocketDialer{}
	dialer := transport.SchemeDialer{
		"ws":       ws,
		"wss":      ws,
		"deepgram": &deepgram.Dialer{APIKey: cfg.DeepgramAPIKey, SampleRate: micRate, Logger: logger},
	}
	manager := transport.NewManager(dialer, bus, transport.Options{Policy: retryPolicy(cfg), Logger: logger})

	recaps := recap.NewGenerator(cfg.RecapModel, recap.KeyedFactory(cfg.APIKeyFor), store, logger)

	orchOpts := session.Options{
		Bus:              bus,
		Buffer:           buffer,
		Timing:           coordinator,
		Transport:        manager,
		Store:            store,
		Recorder:         recorder,
		Recap:            recaps,
		Exporter:         storage.NewWriter(cfg.TranscriptDir),
		Endpoint:         cfg.Endpoint,
		FallbackEndpoint: cfg.FallbackEndpoint,
		Token:            cfg.TutorToken,
		AckTimeout:       cfg.ParsedAckTimeout(),
		AudioStartSource: events.AudioSource(cfg.Timing.AudioStartSource),
		Logger:           logger,
	}
	if cfg.GDriveFolderID != "" {
		uploader, err := gdrive.NewUploader(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if err != nil {
			logger.Warn("gdrive upload disabled", "error", err)
		} else {
			orchOpts.Uploader = uploader
		}
	}
	orch := session.New(orchOpts)
	defer orch.Close()

	if mic != nil {
		go audio.StreamWithRetry(ctx, mic, recorder.Writer(orch.AudioSink()), time.Sleep, logger)
	}
	if speaker, err := audio.NewSpeaker(cfg.TutorSampleRate, framesPerBuffer); err != nil {
		logger.Warn("speaker unavailable, tutor audio will not play", "error", err)
	} else if err := speaker.Start(); err != nil {
		logger.Warn("speaker start failed", "error", err)
		_ = speaker.Close()
	} else {
		defer func() {
			_ = speaker.Stop()
			_ = speaker.Close()
		}()
		player := audio.NewPlayer(speaker, bus, audio.PlayerOptions{Logger: logger})
		bus.Subscribe(player.Handle)
		go func() {
			if err := player.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("audio playback stopped", "error", err)
			}
		}()
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if summary, ended := orch.EndSession(shutdownCtx); ended {
			logger.Info("session ended on shutdown", "session_id", summary.SessionID)
		}
	}()

	switch opts.mode {
	case "tui":
		program := tea.NewProgram(tui.New(orch, opts.session), tea.WithAltScreen(), tea.WithContext(ctx))
		detach := tui.Attach(program, bus, buffer)
		defer detach()
		if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return fmt.Errorf("run tui: %w", err)
		}
		return nil

	case "mcp":
		return mcptools.New(orch, store, buffer, logger).ServeStdio(version)
	}

	hub := server.NewHub(logger)
	bus.Subscribe(hub.HandleEvent)
	buffer.Subscribe(hub.HandleItems)

	handler := server.Handler(server.Deps{
		Hub:        hub,
		Store:      store,
		Controller: orch,
		Transcript: buffer,
		Warnings:   func() []string { return warnings },
		Recap:      recaps.Generate,
		AudioDir:   cfg.AudioDir,
		Logger:     logger,
	})
	logger.Info("voice-tutor started", "version", version, "addr", cfg.ListenAddr, "endpoint", cfg.Endpoint)
	return server.Serve(ctx, cfg.ListenAddr, handler, logger)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// logOutput keeps stdout free for the tui and mcp front ends.
func logOutput(mode string, cfg config.Config) (io.Writer, func(), error) {
	if mode != "tui" {
		return os.Stderr, func() {}, nil
	}
	path := filepath.Join(filepath.Dir(cfg.DBPath), "voice-tutor.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func retryPolicy(cfg config.Config) transport.RetryPolicy {
	r := cfg.Reconnect
	return transport.RetryPolicy{
		BaseDelay:        config.Duration(r.BaseDelay, 0),
		MaxDelay:         config.Duration(r.MaxDelay, 0),
		Jitter:           r.Jitter,
		MaxAttempts:      r.MaxAttempts,
		BreakerThreshold: r.BreakerThreshold,
		BreakerCooldown:  config.Duration(r.BreakerCooldown, 0),
		PingInterval:     config.Duration(r.PingInterval, 0),
	}
}
