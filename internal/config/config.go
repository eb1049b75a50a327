package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig
	Gemini    GeminiConfig
	Storage   StorageConfig
	Pipeline  PipelineConfig
	Narration NarrationConfig
	History   HistoryConfig
	Author    AuthorConfig
	Platform  PlatformConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
}

type GeminiConfig struct {
	BaseURL           string
	APIKey            string
	RecommendModel    string
	ContentModel      string
	ImageModel        string
	TTSModel          string
	Voice             string
	RequestsPerMinute int
}

type StorageConfig struct {
	DataDir    string
	QuotaBytes int
}

type PipelineConfig struct {
	BatchSize      int
	AspectRatio    string
	ScanTimeout    time.Duration
	ContentTimeout time.Duration
	ImageTimeout   time.Duration
}

type NarrationConfig struct {
	Timeout time.Duration
}

type HistoryConfig struct {
	Capacity          int
	ThumbnailMaxBytes int
}

type AuthorConfig struct {
	Name string
}

// PlatformConfig holds the character budget for each post group.
type PlatformConfig struct {
	LongMax   int
	MediumMax int
	ShortMax  int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Gemini: GeminiConfig{
			BaseURL:           "https://generativelanguage.googleapis.com",
			RecommendModel:    "gemini-3-flash-preview",
			ContentModel:      "gemini-3-pro-preview",
			ImageModel:        "gemini-2.5-flash-image",
			TTSModel:          "gemini-2.5-flash-preview-tts",
			Voice:             "Kore",
			RequestsPerMinute: 30,
		},
		Storage: StorageConfig{
			DataDir:    defaultDataDir(),
			QuotaBytes: 5 << 20,
		},
		Pipeline: PipelineConfig{
			BatchSize:      20,
			AspectRatio:    "3:4",
			ScanTimeout:    60 * time.Second,
			ContentTimeout: 120 * time.Second,
			ImageTimeout:   120 * time.Second,
		},
		Narration: NarrationConfig{
			Timeout: 60 * time.Second,
		},
		History: HistoryConfig{
			Capacity:          50,
			ThumbnailMaxBytes: 64 << 10,
		},
		Author: AuthorConfig{
			Name: "Awaiting Soul",
		},
		Platform: PlatformConfig{
			LongMax:   2500,
			MediumMax: 600,
			ShortMax:  260,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/echoes/config.json, then ECHOES_* environment variables,
// then the secrets file for the Gemini API key if it is still unset.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), defaultSecrets())
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Gemini.APIKey == "" {
		if key, err := secrets.Get(secretService, secretGeminiKey); err == nil && key != "" {
			cfg.Gemini.APIKey = key
		}
	}

	return cfg, nil
}

// RequireAPIKey reports a clear error when no Gemini API key is configured.
// Commands that never call the API do not need one.
func (c Config) RequireAPIKey() error {
	if c.Gemini.APIKey != "" {
		return nil
	}
	return fmt.Errorf("missing required config: Gemini API key. " +
		"Set it via environment variable ECHOES_GEMINI_API_KEY or `echoes config set-key`")
}
