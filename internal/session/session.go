// Package session hosts one user's working state: the target date, author
// name and filter, plus the orchestrator, history and narrator they drive.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/echoes/internal/dayindex"
	"github.com/kalambet/echoes/internal/echo"
	"github.com/kalambet/echoes/internal/filter"
	"github.com/kalambet/echoes/internal/history"
	"github.com/kalambet/echoes/internal/narration"
	"github.com/kalambet/echoes/internal/pipeline"
	"github.com/kalambet/echoes/internal/storage"
)

const (
	authorKey = "echoes/author/v1"

	// DefaultAuthor signs echoes until the user picks a name.
	DefaultAuthor = "Awaiting Soul"
)

// SettingsStore persists small preferences. Implemented by storage.Store and
// storage.Memory.
type SettingsStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// HistoryRecorder receives history activity. Implemented by metrics.Collector.
type HistoryRecorder interface {
	RecordHistorySave(err error)
	RecordSuperseded()
	SetHistoryEntries(n int)
}

// Options wires a Session. Orchestrator, History and Settings are required.
type Options struct {
	Orchestrator  *pipeline.Orchestrator
	History       *history.Store
	Narrator      *narration.Narrator
	Settings      SettingsStore
	DefaultAuthor string
	Location      *time.Location
	Now           func() time.Time
	Metrics       HistoryRecorder
	Logger        *slog.Logger
}

// State is what a presentation layer renders.
type State struct {
	Date        string            `json:"date"`
	DateContext echo.DateContext  `json:"date_context"`
	Formatted   string            `json:"formatted"`
	Author      string            `json:"author"`
	Filter      echo.Filter       `json:"filter"`
	Manual      bool              `json:"filter_manual"`
	Run         pipeline.Snapshot `json:"run"`
	Narrating   bool              `json:"narrating"`
}

// Session is safe for concurrent use.
type Session struct {
	orch     *pipeline.Orchestrator
	history  *history.Store
	narrator *narration.Narrator
	settings SettingsStore
	metrics  HistoryRecorder
	loc      *time.Location
	logger   *slog.Logger

	selection *filter.Selection

	mu      sync.Mutex
	dateCtx echo.DateContext
	author  string
}

// New creates a Session targeting today in opts.Location.
func New(opts Options) (*Session, error) {
	if opts.Orchestrator == nil || opts.History == nil || opts.Settings == nil {
		return nil, errors.New("session: orchestrator, history and settings are required")
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultAuthor == "" {
		opts.DefaultAuthor = DefaultAuthor
	}

	today := opts.Now().In(opts.Location)
	s := &Session{
		orch:      opts.Orchestrator,
		history:   opts.History,
		narrator:  opts.Narrator,
		settings:  opts.Settings,
		metrics:   opts.Metrics,
		loc:       opts.Location,
		logger:    opts.Logger,
		selection: filter.NewSelection(today),
		dateCtx:   dayindex.Compute(today),
		author:    opts.DefaultAuthor,
	}

	name, err := opts.Settings.GetSetting(authorKey)
	switch {
	case err == nil && strings.TrimSpace(name) != "":
		s.author = name
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		s.logger.Warn("reading author name", "error", err)
	}
	s.recordEntries()
	return s, nil
}

// State returns a copy of everything the presentation layer shows.
func (s *Session) State() State {
	s.mu.Lock()
	st := State{
		Date:        s.dateCtx.ISODate,
		DateContext: s.dateCtx,
		Formatted:   s.dateCtx.Formatted(),
		Author:      s.author,
	}
	s.mu.Unlock()
	st.Filter = s.selection.Current()
	st.Manual = s.selection.Manual()
	st.Run = s.orch.Snapshot()
	if s.narrator != nil {
		st.Narrating = s.narrator.Active()
	}
	return st
}

// DateContext returns the context of the target date.
func (s *Session) DateContext() echo.DateContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dateCtx
}

// SetDate changes the target date from an ISO "2006-01-02" string. Unless
// the user pinned a filter, the filter follows the new date's weekday.
func (s *Session) SetDate(iso string) (echo.DateContext, error) {
	t, err := dayindex.Parse(iso, s.loc)
	if err != nil {
		return echo.DateContext{}, err
	}
	s.mu.Lock()
	s.dateCtx = dayindex.Compute(t)
	dc := s.dateCtx
	s.mu.Unlock()
	s.selection.SetDate(t)
	return dc, nil
}

// Author returns the name echoes are signed with.
func (s *Session) Author() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.author
}

// SetAuthor changes and persists the author name.
func (s *Session) SetAuthor(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("author name must not be empty")
	}
	if err := s.settings.SetSetting(authorKey, name); err != nil {
		return fmt.Errorf("saving author name: %w", err)
	}
	s.mu.Lock()
	s.author = name
	s.mu.Unlock()
	return nil
}

// SetEra pins the era filter.
func (s *Session) SetEra(e echo.Era) { s.selection.SetEra(e) }

// SetCategory pins the category filter.
func (s *Session) SetCategory(c echo.Category) { s.selection.SetCategory(c) }

// ResetFilter returns the filter to the date's defaults.
func (s *Session) ResetFilter() { s.selection.Reset() }

// Scan asks for recommendations for the target date and current filter.
// With more set, the titles currently offered are excluded so the provider
// suggests different events.
func (s *Session) Scan(ctx context.Context, more bool) ([]echo.Candidate, error) {
	var exclude []string
	if more {
		for _, c := range s.orch.Snapshot().Candidates {
			exclude = append(exclude, c.Title)
		}
	}
	cands, err := s.orch.Scan(ctx, pipeline.ScanRequest{
		DateContext: s.DateContext(),
		Filter:      s.selection.Current(),
		Exclude:     exclude,
	})
	s.noteSuperseded(err)
	return cands, err
}

// Select generates the echo for a candidate, signed with the author name.
func (s *Session) Select(ctx context.Context, index int, id string) (echo.Result, error) {
	r, err := s.orch.Select(ctx, pipeline.SelectRequest{Index: index, ID: id, UserName: s.Author()})
	s.noteSuperseded(err)
	return r, err
}

// Reset abandons the current run.
func (s *Session) Reset() { s.orch.Reset() }

// Save archives the completed result. A storage failure is returned without
// touching the orchestrator's result.
func (s *Session) Save() (echo.HistoryEntry, error) {
	snap := s.orch.Snapshot()
	if snap.Phase != pipeline.PhaseCompleted || snap.Result == nil {
		return echo.HistoryEntry{}, fmt.Errorf("save in %s: %w", snap.Phase, echo.ErrInvalidPhase)
	}
	entry, err := s.history.Add(*snap.Result)
	if s.metrics != nil {
		s.metrics.RecordHistorySave(err)
	}
	if err != nil {
		s.logger.Warn("saving echo failed", "error", err)
		return echo.HistoryEntry{}, err
	}
	s.recordEntries()
	s.logger.Info("echo saved", "id", entry.ID, "title", entry.Title)
	return entry, nil
}

// History lists archived echoes, most recent first.
func (s *Session) History() []echo.HistoryEntry { return s.history.List() }

// LoadHistory opens an archived echo as the current result.
func (s *Session) LoadHistory(id string) (echo.Result, error) {
	r, err := s.history.Load(id)
	if err != nil {
		return echo.Result{}, err
	}
	if err := s.orch.Restore(r); err != nil {
		return echo.Result{}, &echo.Error{
			Kind:    echo.KindStorageCorrupted,
			Cause:   echo.CauseStorage,
			Message: "This archival fragment is lost.",
			Err:     err,
		}
	}
	return r, nil
}

// DeleteHistory removes an archived echo. Unknown ids are ignored.
func (s *Session) DeleteHistory(id string) error {
	if err := s.history.Delete(id); err != nil {
		return err
	}
	s.recordEntries()
	return nil
}

// ReconcileHistory repairs the archive and reports what it removed.
func (s *Session) ReconcileHistory() (droppedEntries, removedBlobs int, err error) {
	droppedEntries, removedBlobs, err = s.history.Reconcile()
	s.recordEntries()
	return droppedEntries, removedBlobs, err
}

// Edit holds card edits. Nil fields are left unchanged.
type Edit struct {
	ImageOverlayText    *string `json:"image_overlay_text,omitempty"`
	CustomBackgroundURL *string `json:"custom_background_url,omitempty"`
	NarratorAuthorName  *string `json:"narrator_author_name,omitempty"`
}

// UpdateResult applies card edits to the completed result.
func (s *Session) UpdateResult(e Edit) (echo.Result, error) {
	return s.orch.Amend(func(r *echo.Result) {
		if e.ImageOverlayText != nil {
			r.ImageOverlayText = *e.ImageOverlayText
		}
		if e.CustomBackgroundURL != nil {
			r.CustomBackgroundURL = *e.CustomBackgroundURL
		}
		if e.NarratorAuthorName != nil {
			r.NarratorAuthorName = *e.NarratorAuthorName
		}
	})
}

// Narrate writes the completed result read aloud to w as WAV audio.
// It never changes the orchestrator's state.
func (s *Session) Narrate(ctx context.Context, w io.Writer) error {
	if s.narrator == nil {
		return errors.New("narration is not configured")
	}
	snap := s.orch.Snapshot()
	if snap.Phase != pipeline.PhaseCompleted || snap.Result == nil {
		return fmt.Errorf("narrate in %s: %w", snap.Phase, echo.ErrInvalidPhase)
	}
	return s.narrator.Narrate(ctx, narration.Text(*snap.Result), w)
}

func (s *Session) noteSuperseded(err error) {
	if s.metrics != nil && errors.Is(err, echo.ErrSuperseded) {
		s.metrics.RecordSuperseded()
	}
}

func (s *Session) recordEntries() {
	if s.metrics != nil {
		s.metrics.SetHistoryEntries(len(s.history.List()))
	}
}
