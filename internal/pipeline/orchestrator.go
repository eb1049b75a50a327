// Package pipeline drives one echo from recommendation scan to finished
// result. It owns the generation state machine; providers do the work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/echoes/internal/echo"
)

// Phase is a state of the generation state machine.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseScanning        Phase = "scanning"
	PhaseChoosingEvent   Phase = "choosing_event"
	PhaseFetchingContent Phase = "fetching_content"
	PhaseGeneratingImage Phase = "generating_image"
	PhaseCompleted       Phase = "completed"
	PhaseError           Phase = "error"
)

const (
	DefaultBatchSize      = 20
	DefaultAspectRatio    = echo.Aspect3x4
	DefaultScanTimeout    = 60 * time.Second
	DefaultContentTimeout = 120 * time.Second
	DefaultImageTimeout   = 120 * time.Second
)

// ErrNoSuchCandidate is returned by Select when the index or id does not
// match a candidate from the current scan.
var ErrNoSuchCandidate = errors.New("no such candidate")

// RecommendRequest is what the recommendation provider is asked for.
type RecommendRequest struct {
	DateContext echo.DateContext
	Filter      echo.Filter
	Count       int
	Exclude     []string
}

// ContentRequest is what the content provider is asked for.
type ContentRequest struct {
	DayNumber     int
	TotalDays     int
	DateLabel     string
	FullDate      string
	UserName      string
	SelectedEvent echo.Candidate
}

// Recommender suggests historical events for a date.
type Recommender interface {
	Recommend(ctx context.Context, req RecommendRequest) ([]echo.Candidate, error)
}

// ContentGenerator writes the text of an echo for the selected event.
type ContentGenerator interface {
	Content(ctx context.Context, req ContentRequest) (echo.Result, error)
}

// ImageGenerator renders the image for a result and returns it as a URL,
// usually a data URI.
type ImageGenerator interface {
	Image(ctx context.Context, result echo.Result, aspect echo.AspectRatio) (string, error)
}

// Recorder receives the outcome of every provider call.
type Recorder interface {
	ObservePhase(phase string, elapsed time.Duration, err error)
}

// ScanRequest starts a new run.
type ScanRequest struct {
	DateContext echo.DateContext
	Filter      echo.Filter
	Exclude     []string
}

// SelectRequest picks a candidate by ID, or by Index when ID is empty.
type SelectRequest struct {
	Index    int
	ID       string
	UserName string
}

// Snapshot is a copy of the orchestrator state. It shares nothing with the
// orchestrator and may be kept or modified freely.
type Snapshot struct {
	Phase       Phase            `json:"phase"`
	Run         uint64           `json:"run"`
	DateContext echo.DateContext `json:"date_context"`
	Filter      echo.Filter      `json:"filter"`
	Candidates  []echo.Candidate `json:"candidates"`
	Selected    *echo.Candidate  `json:"selected,omitempty"`
	Result      *echo.Result     `json:"result,omitempty"`
	Err         *echo.Error      `json:"error,omitempty"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBatchSize sets how many candidates a scan asks for.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithAspectRatio sets the ratio passed to the image provider.
func WithAspectRatio(a echo.AspectRatio) Option {
	return func(o *Orchestrator) {
		if a != "" {
			o.aspect = a
		}
	}
}

// WithTimeouts sets per-phase provider deadlines. Zero keeps the default.
func WithTimeouts(scan, content, image time.Duration) Option {
	return func(o *Orchestrator) {
		if scan > 0 {
			o.scanTimeout = scan
		}
		if content > 0 {
			o.contentTimeout = content
		}
		if image > 0 {
			o.imageTimeout = image
		}
	}
}

// WithObserver registers fn to be called with a snapshot after every
// transition, in transition order. fn runs with the state lock held and must
// not call back into the Orchestrator.
func WithObserver(fn func(Snapshot)) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, fn) }
}

// WithRecorder reports provider call latency and failures to r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// Orchestrator runs the generation state machine. It is safe for concurrent
// use: provider calls run without the lock held, and a result is applied only
// if no Scan or Reset happened while it was outstanding.
type Orchestrator struct {
	recommender Recommender
	content     ContentGenerator
	image       ImageGenerator

	batchSize      int
	aspect         echo.AspectRatio
	scanTimeout    time.Duration
	contentTimeout time.Duration
	imageTimeout   time.Duration
	observers      []func(Snapshot)
	recorder       Recorder
	logger         *slog.Logger

	mu    sync.Mutex
	run   uint64
	state Snapshot
}

// New creates an Orchestrator in the Idle phase.
func New(rec Recommender, content ContentGenerator, image ImageGenerator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		recommender:    rec,
		content:        content,
		image:          image,
		batchSize:      DefaultBatchSize,
		aspect:         DefaultAspectRatio,
		scanTimeout:    DefaultScanTimeout,
		contentTimeout: DefaultContentTimeout,
		imageTimeout:   DefaultImageTimeout,
		logger:         slog.Default(),
		state:          Snapshot{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Scan starts a new run and asks for recommendations. Any run in flight is
// superseded. On success the orchestrator waits in ChoosingEvent with a
// non-nil, possibly empty, candidate list.
func (o *Orchestrator) Scan(ctx context.Context, req ScanRequest) ([]echo.Candidate, error) {
	o.mu.Lock()
	o.run++
	run := o.run
	o.state = Snapshot{
		Phase:       PhaseScanning,
		Run:         run,
		DateContext: req.DateContext,
		Filter:      req.Filter,
	}
	o.notifyLocked()
	o.mu.Unlock()

	o.logger.Debug("scan started", "run", run, "date", req.DateContext.ISODate, "era", req.Filter.Era, "category", req.Filter.Category)

	callCtx, cancel := context.WithTimeout(ctx, o.scanTimeout)
	start := time.Now()
	cands, err := o.recommender.Recommend(callCtx, RecommendRequest{
		DateContext: req.DateContext,
		Filter:      req.Filter,
		Count:       o.batchSize,
		Exclude:     req.Exclude,
	})
	cancel()
	o.record(PhaseScanning, start, err)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != run {
		o.logger.Debug("discarding stale scan", "run", run)
		return nil, echo.ErrSuperseded
	}
	if err != nil {
		return nil, o.failLocked(PhaseScanning, echo.ProviderFailure(echo.KindRecommendationFetchFailed, err))
	}
	if cands == nil {
		cands = []echo.Candidate{}
	}
	o.state.Phase = PhaseChoosingEvent
	o.state.Candidates = cands
	o.notifyLocked()
	o.logger.Info("scan complete", "run", run, "candidates", len(cands))
	return copyCandidates(cands), nil
}

// SelectDefault selects the first candidate.
func (o *Orchestrator) SelectDefault(ctx context.Context, userName string) (echo.Result, error) {
	return o.Select(ctx, SelectRequest{Index: 0, UserName: userName})
}

// Select picks a candidate and generates its content and image. It is only
// valid in ChoosingEvent. A failure in either phase moves to Error and the
// partial result is dropped.
func (o *Orchestrator) Select(ctx context.Context, req SelectRequest) (echo.Result, error) {
	o.mu.Lock()
	if o.state.Phase != PhaseChoosingEvent {
		phase := o.state.Phase
		o.mu.Unlock()
		return echo.Result{}, fmt.Errorf("select in %s: %w", phase, echo.ErrInvalidPhase)
	}
	cand, ok := o.findLocked(req)
	if !ok {
		o.mu.Unlock()
		return echo.Result{}, fmt.Errorf("select %q/%d: %w", req.ID, req.Index, ErrNoSuchCandidate)
	}
	run := o.run
	dc := o.state.DateContext
	o.state.Phase = PhaseFetchingContent
	o.state.Selected = &cand
	o.notifyLocked()
	o.mu.Unlock()

	o.logger.Debug("fetching content", "run", run, "event", cand.Title)

	callCtx, cancel := context.WithTimeout(ctx, o.contentTimeout)
	start := time.Now()
	result, err := o.content.Content(callCtx, ContentRequest{
		DayNumber:     dc.OrdinalDay,
		TotalDays:     dc.TotalDays,
		DateLabel:     dc.DisplayDate,
		FullDate:      dc.FullDate,
		UserName:      req.UserName,
		SelectedEvent: cand,
	})
	cancel()
	if err == nil {
		if verr := result.ValidateContent(); verr != nil {
			err = &echo.Error{
				Kind:    echo.KindContentFetchFailed,
				Cause:   echo.CauseInvalid,
				Message: "Failed to weave the narrative threads.",
				Err:     verr,
			}
		}
	}
	o.record(PhaseFetchingContent, start, err)

	o.mu.Lock()
	if o.run != run {
		o.mu.Unlock()
		return echo.Result{}, echo.ErrSuperseded
	}
	if err != nil {
		e := o.failLocked(PhaseFetchingContent, echo.ProviderFailure(echo.KindContentFetchFailed, err))
		o.mu.Unlock()
		return echo.Result{}, e
	}
	result.DateContext = dc
	result.DayNumber = dc.OrdinalDay
	result.TotalDays = dc.TotalDays
	result.SelectedEvent = cand
	result.NarratorAuthorName = req.UserName
	result.ImageURL = ""
	o.state.Phase = PhaseGeneratingImage
	partial := result.Clone()
	o.state.Result = &partial
	o.notifyLocked()
	o.mu.Unlock()

	callCtx, cancel = context.WithTimeout(ctx, o.imageTimeout)
	start = time.Now()
	url, err := o.image.Image(callCtx, result.Clone(), o.aspect)
	cancel()
	if err == nil && url == "" {
		err = &echo.Error{
			Kind:    echo.KindImageFetchFailed,
			Cause:   echo.CauseInvalid,
			Message: "Visual manifestation failed.",
			Err:     errors.New("image provider returned no image"),
		}
	}
	o.record(PhaseGeneratingImage, start, err)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != run {
		return echo.Result{}, echo.ErrSuperseded
	}
	if err != nil {
		return echo.Result{}, o.failLocked(PhaseGeneratingImage, echo.ProviderFailure(echo.KindImageFetchFailed, err))
	}
	result.ImageURL = url
	done := result.Clone()
	o.state.Phase = PhaseCompleted
	o.state.Result = &done
	o.notifyLocked()
	o.logger.Info("echo completed", "run", run, "event", result.Title())
	return result, nil
}

// Reset abandons any run in flight and returns to Idle. History is untouched.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.run++
	o.state = Snapshot{Phase: PhaseIdle, Run: o.run}
	o.notifyLocked()
}

// Restore shows a previously finished result, as if a run had just completed
// with it. Any run in flight is superseded.
func (o *Orchestrator) Restore(result echo.Result) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("restoring result: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.run++
	r := result.Clone()
	sel := r.SelectedEvent
	o.state = Snapshot{
		Phase:       PhaseCompleted,
		Run:         o.run,
		DateContext: r.DateContext,
		Selected:    &sel,
		Result:      &r,
	}
	o.notifyLocked()
	return nil
}

// Amend applies fn to the completed result. Edits that would leave the
// result incomplete are rejected.
func (o *Orchestrator) Amend(fn func(*echo.Result)) (echo.Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Phase != PhaseCompleted || o.state.Result == nil {
		return echo.Result{}, fmt.Errorf("amend in %s: %w", o.state.Phase, echo.ErrInvalidPhase)
	}
	r := o.state.Result.Clone()
	fn(&r)
	if err := r.Validate(); err != nil {
		return echo.Result{}, fmt.Errorf("amending result: %w", err)
	}
	o.state.Result = &r
	o.notifyLocked()
	return r.Clone(), nil
}

func (o *Orchestrator) findLocked(req SelectRequest) (echo.Candidate, bool) {
	if req.ID != "" {
		for _, c := range o.state.Candidates {
			if c.ID == req.ID {
				return c, true
			}
		}
		return echo.Candidate{}, false
	}
	if req.Index < 0 || req.Index >= len(o.state.Candidates) {
		return echo.Candidate{}, false
	}
	return o.state.Candidates[req.Index], true
}

func (o *Orchestrator) failLocked(phase Phase, e *echo.Error) *echo.Error {
	o.state.Phase = PhaseError
	o.state.Result = nil
	o.state.Err = e
	o.notifyLocked()
	o.logger.Warn("generation failed", "run", o.run, "phase", phase, "kind", e.Kind, "cause", e.Cause, "error", e.Err)
	return e
}

func (o *Orchestrator) notifyLocked() {
	if len(o.observers) == 0 {
		return
	}
	for _, fn := range o.observers {
		fn(o.state.clone())
	}
}

func (o *Orchestrator) record(phase Phase, start time.Time, err error) {
	if o.recorder != nil {
		o.recorder.ObservePhase(string(phase), time.Since(start), err)
	}
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.Candidates != nil {
		out.Candidates = copyCandidates(s.Candidates)
	}
	if s.Selected != nil {
		c := *s.Selected
		out.Selected = &c
	}
	if s.Result != nil {
		r := s.Result.Clone()
		out.Result = &r
	}
	return out
}

// copyCandidates keeps an empty list empty rather than nil.
func copyCandidates(cands []echo.Candidate) []echo.Candidate {
	out := make([]echo.Candidate, len(cands))
	copy(out, cands)
	return out
}
