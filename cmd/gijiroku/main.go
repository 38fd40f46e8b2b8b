package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/gijiroku/internal/api"
	"github.com/snarg/gijiroku/internal/config"
	"github.com/snarg/gijiroku/internal/intake"
	"github.com/snarg/gijiroku/internal/llm"
	"github.com/snarg/gijiroku/internal/pipeline"
	"github.com/snarg/gijiroku/internal/storage"
	"github.com/snarg/gijiroku/internal/store"
	"github.com/snarg/gijiroku/internal/whisper"
)

var version = "dev"

func main() {
	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "addr", "", "http listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&overrides.DataDir, "data-dir", "", "database directory")
	flag.StringVar(&overrides.UploadDir, "upload-dir", "", "audio upload directory")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("gijiroku starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	storeLog := log.With().Str("component", "store").Logger()
	st, err := store.Open(cfg.DataDir, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	// Audio file storage
	files, err := storage.NewLocalStore(cfg.UploadDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare upload directory")
	}

	// Transcription backend. The model loads lazily on the first job so
	// startup stays fast even with a multi-GB model file.
	whisperLog := log.With().Str("component", "whisper").Logger()
	whisperLog.Info().Str("model", cfg.WhisperModel).Str("device", cfg.WhisperDevice).
		Msg("transcription backend configured")
	stt := whisper.New(cfg.WhisperModelPath, cfg.WhisperModel, "ja", whisperLog)
	defer stt.Close()

	// LLM backend
	llmLog := log.With().Str("component", "llm").Logger()
	gen := llm.New(cfg.OllamaBaseURL, cfg.OllamaModel, cfg.SummarizeTimeout, llmLog)

	// Job engine
	engineLog := log.With().Str("component", "engine").Logger()
	engine := pipeline.New(st, stt, gen, pipeline.Config{
		WorkerCount:       cfg.WorkerCount,
		TranscribeTimeout: cfg.TranscribeTimeout,
		CorrectTimeout:    cfg.CorrectTimeout,
		SummarizeTimeout:  cfg.SummarizeTimeout,
	}, engineLog)
	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start job engine")
	}

	// Retention pruner
	prunerLog := log.With().Str("component", "pruner").Logger()
	pruner := storage.NewPruner(st, files, cfg.FileRetentionDays, prunerLog)
	pruner.Start()

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	in := intake.NewService(st, files, cfg.MaxFileSizeBytes, nil, httpLog)
	handlers := api.NewHandlers(st, files, in, engine, stt, gen, cfg.MaxFileSizeBytes, httpLog)
	srv := api.NewServer(cfg, handlers, httpLog)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	stop()
	pruner.Stop()
	engine.Wait()

	log.Info().Msg("gijiroku stopped")
}
