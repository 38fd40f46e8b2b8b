package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DataDir   string `env:"DATA_DIR" envDefault:"./data"`
	UploadDir string `env:"UPLOAD_DIR" envDefault:"./uploads"`

	WhisperModel     string `env:"WHISPER_MODEL" envDefault:"large-v3-turbo"`
	WhisperModelPath string `env:"WHISPER_MODEL_PATH" envDefault:"./models/ggml-large-v3-turbo.bin"`
	WhisperDevice    string `env:"WHISPER_DEVICE" envDefault:"cpu"`

	OllamaBaseURL string `env:"OLLAMA_BASE_URL" envDefault:"http://127.0.0.1:11434"`
	OllamaModel   string `env:"OLLAMA_MODEL" envDefault:"gemma-2-2b-jpn-it"`

	MaxFileSizeBytes  int64 `env:"MAX_FILE_SIZE_BYTES" envDefault:"52428800"`
	WorkerCount       int   `env:"WORKER_COUNT" envDefault:"1"`
	FileRetentionDays int   `env:"FILE_RETENTION_DAYS" envDefault:"7"`

	TranscribeTimeout time.Duration `env:"TRANSCRIBE_TIMEOUT" envDefault:"900s"`
	CorrectTimeout    time.Duration `env:"CORRECT_TIMEOUT" envDefault:"120s"`
	SummarizeTimeout  time.Duration `env:"SUMMARIZE_TIMEOUT" envDefault:"300s"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"60s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile   string
	HTTPAddr  string
	LogLevel  string
	DataDir   string
	UploadDir string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DataDir != "" {
		cfg.DataDir = overrides.DataDir
	}
	if overrides.UploadDir != "" {
		cfg.UploadDir = overrides.UploadDir
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be >= 1, got %d", c.WorkerCount)
	}
	if c.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE_BYTES must be positive, got %d", c.MaxFileSizeBytes)
	}
	if c.FileRetentionDays < 0 {
		return fmt.Errorf("FILE_RETENTION_DAYS must not be negative, got %d", c.FileRetentionDays)
	}
	switch c.WhisperDevice {
	case "cpu", "gpu":
	default:
		return fmt.Errorf("WHISPER_DEVICE must be cpu or gpu, got %q", c.WhisperDevice)
	}
	return nil
}
