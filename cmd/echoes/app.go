package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kalambet/echoes/internal/config"
	"github.com/kalambet/echoes/internal/echo"
	"github.com/kalambet/echoes/internal/gemini"
	"github.com/kalambet/echoes/internal/history"
	"github.com/kalambet/echoes/internal/metrics"
	"github.com/kalambet/echoes/internal/narration"
	"github.com/kalambet/echoes/internal/pipeline"
	"github.com/kalambet/echoes/internal/session"
	"github.com/kalambet/echoes/internal/storage"
)

// archive is the storage half of the stack. It needs no API key.
type archive struct {
	store   *storage.Store
	history *history.Store
}

func openArchive(cfg config.Config, logger *slog.Logger) (*archive, error) {
	store, err := storage.Open(cfg.Storage.DataDir, int64(cfg.Storage.QuotaBytes))
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	hist, err := history.Open(store, history.Options{
		Capacity:          cfg.History.Capacity,
		ThumbnailMaxBytes: cfg.History.ThumbnailMaxBytes,
		Logger:            logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening history: %w", err)
	}
	return &archive{store: store, history: hist}, nil
}

func (a *archive) Close() error { return a.store.Close() }

// app is the full generation stack.
type app struct {
	*archive
	cfg      config.Config
	registry *prometheus.Registry
	metrics  *metrics.Collector
	gemini   *gemini.Client
	narrator *narration.Narrator
	session  *session.Session
}

// newApp wires storage, the Gemini client, metrics and the session from cfg.
func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	aspect, err := echo.ParseAspectRatio(cfg.Pipeline.AspectRatio)
	if err != nil {
		return nil, fmt.Errorf("pipeline.aspect_ratio: %w", err)
	}

	arc, err := openArchive(cfg, logger)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector(reg)
	m.SetHistoryEntries(len(arc.history.List()))

	client := gemini.NewClient(gemini.Config{
		APIKey:            cfg.Gemini.APIKey,
		BaseURL:           cfg.Gemini.BaseURL,
		RecommendModel:    cfg.Gemini.RecommendModel,
		ContentModel:      cfg.Gemini.ContentModel,
		ImageModel:        cfg.Gemini.ImageModel,
		TTSModel:          cfg.Gemini.TTSModel,
		Voice:             cfg.Gemini.Voice,
		RequestsPerMinute: cfg.Gemini.RequestsPerMinute,
		Limits: gemini.PlatformLimits{
			Long:   cfg.Platform.LongMax,
			Medium: cfg.Platform.MediumMax,
			Short:  cfg.Platform.ShortMax,
		},
		Logger: logger,
	})

	orch := pipeline.New(client, client, client,
		pipeline.WithBatchSize(cfg.Pipeline.BatchSize),
		pipeline.WithAspectRatio(aspect),
		pipeline.WithTimeouts(cfg.Pipeline.ScanTimeout, cfg.Pipeline.ContentTimeout, cfg.Pipeline.ImageTimeout),
		pipeline.WithRecorder(m),
		pipeline.WithLogger(logger),
		pipeline.WithObserver(func(s pipeline.Snapshot) {
			logger.Debug("phase changed", "phase", s.Phase, "run", s.Run)
		}),
	)
	narr := narration.New(client, cfg.Narration.Timeout, m, logger)

	sess, err := session.New(session.Options{
		Orchestrator:  orch,
		History:       arc.history,
		Narrator:      narr,
		Settings:      arc.store,
		DefaultAuthor: cfg.Author.Name,
		Location:      time.Local,
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		arc.Close()
		return nil, fmt.Errorf("starting session: %w", err)
	}

	return &app{
		archive:  arc,
		cfg:      cfg,
		registry: reg,
		metrics:  m,
		gemini:   client,
		narrator: narr,
		session:  sess,
	}, nil
}
