package config

import (
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.DataDir != "./data" {
			t.Errorf("DataDir = %q, want ./data", cfg.DataDir)
		}
		if cfg.UploadDir != "./uploads" {
			t.Errorf("UploadDir = %q, want ./uploads", cfg.UploadDir)
		}
		if cfg.WhisperModel != "large-v3-turbo" {
			t.Errorf("WhisperModel = %q, want large-v3-turbo", cfg.WhisperModel)
		}
		if cfg.WhisperDevice != "cpu" {
			t.Errorf("WhisperDevice = %q, want cpu", cfg.WhisperDevice)
		}
		if cfg.OllamaBaseURL != "http://127.0.0.1:11434" {
			t.Errorf("OllamaBaseURL = %q, want http://127.0.0.1:11434", cfg.OllamaBaseURL)
		}
		if cfg.OllamaModel != "gemma-2-2b-jpn-it" {
			t.Errorf("OllamaModel = %q, want gemma-2-2b-jpn-it", cfg.OllamaModel)
		}
		if cfg.MaxFileSizeBytes != 52428800 {
			t.Errorf("MaxFileSizeBytes = %d, want 52428800", cfg.MaxFileSizeBytes)
		}
		if cfg.WorkerCount != 1 {
			t.Errorf("WorkerCount = %d, want 1", cfg.WorkerCount)
		}
		if cfg.FileRetentionDays != 7 {
			t.Errorf("FileRetentionDays = %d, want 7", cfg.FileRetentionDays)
		}
		if cfg.TranscribeTimeout != 900*time.Second {
			t.Errorf("TranscribeTimeout = %v, want 900s", cfg.TranscribeTimeout)
		}
		if cfg.CorrectTimeout != 120*time.Second {
			t.Errorf("CorrectTimeout = %v, want 120s", cfg.CorrectTimeout)
		}
		if cfg.SummarizeTimeout != 300*time.Second {
			t.Errorf("SummarizeTimeout = %v, want 300s", cfg.SummarizeTimeout)
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:   "nonexistent.env",
			HTTPAddr:  ":9090",
			LogLevel:  "debug",
			DataDir:   "/tmp/data",
			UploadDir: "/tmp/uploads",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.DataDir != "/tmp/data" {
			t.Errorf("DataDir = %q, want /tmp/data", cfg.DataDir)
		}
		if cfg.UploadDir != "/tmp/uploads" {
			t.Errorf("UploadDir = %q, want /tmp/uploads", cfg.UploadDir)
		}
	})

	t.Run("env_vars_read", func(t *testing.T) {
		t.Setenv("WORKER_COUNT", "4")
		t.Setenv("OLLAMA_MODEL", "qwen2.5:7b")

		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.WorkerCount != 4 {
			t.Errorf("WorkerCount = %d, want 4", cfg.WorkerCount)
		}
		if cfg.OllamaModel != "qwen2.5:7b" {
			t.Errorf("OllamaModel = %q, want qwen2.5:7b", cfg.OllamaModel)
		}
	})
}

func TestLoadInvalid(t *testing.T) {
	t.Run("worker_count_zero", func(t *testing.T) {
		t.Setenv("WORKER_COUNT", "0")
		if _, err := Load(Overrides{EnvFile: "nonexistent.env"}); err == nil {
			t.Error("expected error for WORKER_COUNT=0")
		}
	})

	t.Run("bad_device", func(t *testing.T) {
		t.Setenv("WHISPER_DEVICE", "tpu")
		if _, err := Load(Overrides{EnvFile: "nonexistent.env"}); err == nil {
			t.Error("expected error for WHISPER_DEVICE=tpu")
		}
	})

	t.Run("negative_max_file_size", func(t *testing.T) {
		t.Setenv("MAX_FILE_SIZE_BYTES", "-1")
		if _, err := Load(Overrides{EnvFile: "nonexistent.env"}); err == nil {
			t.Error("expected error for negative MAX_FILE_SIZE_BYTES")
		}
	})
}
