package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "ECHOES_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "ECHOES_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "gemini.base_url", typ: kString, env: "ECHOES_GEMINI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.BaseURL },
	},
	{
		key: "gemini.api_key", typ: kString, env: "ECHOES_GEMINI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "gemini.recommend_model", typ: kString, env: "ECHOES_GEMINI_RECOMMEND_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.RecommendModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.RecommendModel },
	},
	{
		key: "gemini.content_model", typ: kString, env: "ECHOES_GEMINI_CONTENT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.ContentModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.ContentModel },
	},
	{
		key: "gemini.image_model", typ: kString, env: "ECHOES_GEMINI_IMAGE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.ImageModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.ImageModel },
	},
	{
		key: "gemini.tts_model", typ: kString, env: "ECHOES_GEMINI_TTS_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.TTSModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.TTSModel },
	},
	{
		key: "gemini.voice", typ: kString, env: "ECHOES_GEMINI_VOICE",
		apply:   func(cfg *Config, v any) { cfg.Gemini.Voice = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.Voice },
	},
	{
		key: "gemini.requests_per_minute", typ: kInt, env: "ECHOES_GEMINI_REQUESTS_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Gemini.RequestsPerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Gemini.RequestsPerMinute },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ECHOES_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.quota_bytes", typ: kInt, env: "ECHOES_STORAGE_QUOTA_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Storage.QuotaBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.QuotaBytes },
	},
	{
		key: "pipeline.batch_size", typ: kInt, env: "ECHOES_PIPELINE_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.BatchSize },
	},
	{
		key: "pipeline.aspect_ratio", typ: kString, env: "ECHOES_PIPELINE_ASPECT_RATIO",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.AspectRatio = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.AspectRatio },
	},
	{
		key: "pipeline.scan_timeout", typ: kDuration, env: "ECHOES_PIPELINE_SCAN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ScanTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.ScanTimeout },
	},
	{
		key: "pipeline.content_timeout", typ: kDuration, env: "ECHOES_PIPELINE_CONTENT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ContentTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.ContentTimeout },
	},
	{
		key: "pipeline.image_timeout", typ: kDuration, env: "ECHOES_PIPELINE_IMAGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ImageTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.ImageTimeout },
	},
	{
		key: "narration.timeout", typ: kDuration, env: "ECHOES_NARRATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Narration.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Narration.Timeout },
	},
	{
		key: "history.capacity", typ: kInt, env: "ECHOES_HISTORY_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.History.Capacity = v.(int) },
		extract: func(cfg Config) any { return cfg.History.Capacity },
	},
	{
		key: "history.thumbnail_max_bytes", typ: kInt, env: "ECHOES_HISTORY_THUMBNAIL_MAX_BYTES",
		apply:   func(cfg *Config, v any) { cfg.History.ThumbnailMaxBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.History.ThumbnailMaxBytes },
	},
	{
		key: "author.name", typ: kString, env: "ECHOES_AUTHOR_NAME",
		apply:   func(cfg *Config, v any) { cfg.Author.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Author.Name },
	},
	{
		key: "platform.long_max", typ: kInt, env: "ECHOES_PLATFORM_LONG_MAX",
		apply:   func(cfg *Config, v any) { cfg.Platform.LongMax = v.(int) },
		extract: func(cfg Config) any { return cfg.Platform.LongMax },
	},
	{
		key: "platform.medium_max", typ: kInt, env: "ECHOES_PLATFORM_MEDIUM_MAX",
		apply:   func(cfg *Config, v any) { cfg.Platform.MediumMax = v.(int) },
		extract: func(cfg Config) any { return cfg.Platform.MediumMax },
	},
	{
		key: "platform.short_max", typ: kInt, env: "ECHOES_PLATFORM_SHORT_MAX",
		apply:   func(cfg *Config, v any) { cfg.Platform.ShortMax = v.(int) },
		extract: func(cfg Config) any { return cfg.Platform.ShortMax },
	},
	{
		key: "log.level", typ: kString, env: "ECHOES_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts raw text to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring unparsable config value", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring unparsable environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
