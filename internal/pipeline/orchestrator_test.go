package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/echoes/internal/echo"
)

// --- fakes ---

type fakeRecommender struct {
	fn func(ctx context.Context, req RecommendRequest) ([]echo.Candidate, error)
}

func (f *fakeRecommender) Recommend(ctx context.Context, req RecommendRequest) ([]echo.Candidate, error) {
	return f.fn(ctx, req)
}

type fakeContent struct {
	fn func(ctx context.Context, req ContentRequest) (echo.Result, error)
}

func (f *fakeContent) Content(ctx context.Context, req ContentRequest) (echo.Result, error) {
	return f.fn(ctx, req)
}

type fakeImage struct {
	fn func(ctx context.Context, r echo.Result, aspect echo.AspectRatio) (string, error)
}

func (f *fakeImage) Image(ctx context.Context, r echo.Result, aspect echo.AspectRatio) (string, error) {
	return f.fn(ctx, r, aspect)
}

type recordedCall struct {
	phase string
	err   error
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *fakeRecorder) ObservePhase(phase string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{phase, err})
}

func testDate() echo.DateContext {
	return echo.DateContext{OrdinalDay: 60, TotalDays: 365, DisplayDate: "March 1", ISODate: "2026-03-01", FullDate: "March 1, 2026"}
}

func threeCandidates() []echo.Candidate {
	return []echo.Candidate{
		{ID: "c0", Title: "Yellowstone founded", Year: "1872"},
		{ID: "c1", Title: "Nebraska admitted", Year: "1867"},
		{ID: "c2", Title: "Peace Corps established", Year: "1961"},
	}
}

func validContent(req ContentRequest) echo.Result {
	return echo.Result{
		EventTitle: req.SelectedEvent.Title,
		Scripture:  echo.Scripture{Verse: "To every thing there is a season.", Reference: "Ecclesiastes 3:1"},
		Posts: map[echo.Platform]echo.Post{
			echo.PlatformLong:   {Body: "long body", Hashtags: "#history"},
			echo.PlatformMedium: {Body: "medium body", Hashtags: "#history"},
			echo.PlatformShort:  {Body: "short body", Hashtags: "#history"},
		},
		ImagePrompt: "an engraving of " + req.SelectedEvent.Title,
	}
}

type harness struct {
	rec     *fakeRecommender
	content *fakeContent
	image   *fakeImage
}

func newHarness() *harness {
	return &harness{
		rec: &fakeRecommender{fn: func(context.Context, RecommendRequest) ([]echo.Candidate, error) {
			return threeCandidates(), nil
		}},
		content: &fakeContent{fn: func(_ context.Context, req ContentRequest) (echo.Result, error) {
			return validContent(req), nil
		}},
		image: &fakeImage{fn: func(context.Context, echo.Result, echo.AspectRatio) (string, error) {
			return "data:image/png;base64,AAAA", nil
		}},
	}
}

func (h *harness) orchestrator(opts ...Option) *Orchestrator {
	return New(h.rec, h.content, h.image, opts...)
}

// --- tests ---

// TestSelect_CompletesWithChosenCandidate covers a scan of three candidates
// followed by selecting the second.
func TestSelect_CompletesWithChosenCandidate(t *testing.T) {
	h := newHarness()
	var gotReq RecommendRequest
	h.rec.fn = func(_ context.Context, req RecommendRequest) ([]echo.Candidate, error) {
		gotReq = req
		return threeCandidates(), nil
	}
	var gotContent ContentRequest
	h.content.fn = func(_ context.Context, req ContentRequest) (echo.Result, error) {
		gotContent = req
		return validContent(req), nil
	}
	var gotAspect echo.AspectRatio
	h.image.fn = func(_ context.Context, _ echo.Result, a echo.AspectRatio) (string, error) {
		gotAspect = a
		return "data:image/png;base64,AAAA", nil
	}

	o := h.orchestrator()
	cands, err := o.Scan(context.Background(), ScanRequest{DateContext: testDate()})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(cands) != 3 {
		t.Fatalf("len(cands) = %d, want 3", len(cands))
	}
	if gotReq.Count != DefaultBatchSize {
		t.Errorf("Count = %d, want %d", gotReq.Count, DefaultBatchSize)
	}
	if o.Snapshot().Phase != PhaseChoosingEvent {
		t.Fatalf("phase = %s, want choosing_event", o.Snapshot().Phase)
	}

	res, err := o.Select(context.Background(), SelectRequest{Index: 1, UserName: "Ruth"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.SelectedEvent.ID != cands[1].ID {
		t.Errorf("SelectedEvent.ID = %q, want %q", res.SelectedEvent.ID, cands[1].ID)
	}
	if gotContent.DayNumber != 60 || gotContent.TotalDays != 365 || gotContent.UserName != "Ruth" || gotContent.FullDate != "March 1, 2026" {
		t.Errorf("content request = %+v", gotContent)
	}
	if gotAspect != echo.Aspect3x4 {
		t.Errorf("aspect = %q, want 3:4", gotAspect)
	}

	snap := o.Snapshot()
	if snap.Phase != PhaseCompleted {
		t.Fatalf("phase = %s, want completed", snap.Phase)
	}
	if snap.Result == nil || snap.Result.ImageURL == "" {
		t.Fatal("completed without image")
	}
	if err := snap.Result.Validate(); err != nil {
		t.Errorf("completed result invalid: %v", err)
	}
	if snap.Result.NarratorAuthorName != "Ruth" || snap.Result.DayNumber != 60 {
		t.Errorf("result metadata = %+v", snap.Result)
	}
}

func TestSelect_ByID(t *testing.T) {
	o := newHarness().orchestrator()
	if _, err := o.Scan(context.Background(), ScanRequest{DateContext: testDate()}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	res, err := o.Select(context.Background(), SelectRequest{ID: "c2"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.SelectedEvent.ID != "c2" {
		t.Errorf("SelectedEvent.ID = %q, want c2", res.SelectedEvent.ID)
	}
}

func TestSelectDefault_PicksFirst(t *testing.T) {
	o := newHarness().orchestrator()
	o.Scan(context.Background(), ScanRequest{DateContext: testDate()})
	res, err := o.SelectDefault(context.Background(), "")
	if err != nil {
		t.Fatalf("SelectDefault: %v", err)
	}
	if res.SelectedEvent.ID != "c0" {
		t.Errorf("SelectedEvent.ID = %q, want c0", res.SelectedEvent.ID)
	}
}

func TestSelect_UnknownCandidate(t *testing.T) {
	o := newHarness().orchestrator()
	o.Scan(context.Background(), ScanRequest{DateContext: testDate()})
	for _, req := range []SelectRequest{{Index: 3}, {Index: -1}, {ID: "nope"}} {
		if _, err := o.Select(context.Background(), req); !errors.Is(err, ErrNoSuchCandidate) {
			t.Errorf("Select(%+v) err = %v, want ErrNoSuchCandidate", req, err)
		}
	}
	if o.Snapshot().Phase != PhaseChoosingEvent {
		t.Error("bad selection must not leave ChoosingEvent")
	}
}

func TestSelect_InvalidPhase(t *testing.T) {
	o := newHarness().orchestrator()
	if _, err := o.Select(context.Background(), SelectRequest{}); !errors.Is(err, echo.ErrInvalidPhase) {
		t.Fatalf("Select from idle err = %v, want ErrInvalidPhase", err)
	}
	if _, err := o.Amend(func(*echo.Result) {}); !errors.Is(err, echo.ErrInvalidPhase) {
		t.Fatalf("Amend from idle err = %v, want ErrInvalidPhase", err)
	}
}

// TestSelect_ContentFailure covers a content failure after a good scan.
func TestSelect_ContentFailure(t *testing.T) {
	h := newHarness()
	h.content.fn = func(context.Context, ContentRequest) (echo.Result, error) {
		return echo.Result{}, errors.New("Failed to weave the narrative threads.")
	}
	imageCalled := false
	h.image.fn = func(context.Context, echo.Result, echo.AspectRatio) (string, error) {
		imageCalled = true
		return "x", nil
	}
	rec := &fakeRecorder{}
	o := h.orchestrator(WithRecorder(rec))
	o.Scan(context.Background(), ScanRequest{DateContext: testDate()})

	_, err := o.Select(context.Background(), SelectRequest{Index: 0})
	if !errors.Is(err, echo.ErrContentFetchFailed) {
		t.Fatalf("err = %v, want ContentFetchFailed", err)
	}
	snap := o.Snapshot()
	if snap.Phase != PhaseError {
		t.Fatalf("phase = %s, want error", snap.Phase)
	}
	if snap.Result != nil {
		t.Error("partial result must be discarded")
	}
	if snap.Err == nil || snap.Err.Message != "Failed to weave the narrative threads." {
		t.Errorf("snapshot error = %+v", snap.Err)
	}
	if imageCalled {
		t.Error("image provider called after content failure")
	}
	if len(rec.calls) != 2 || rec.calls[1].phase != string(PhaseFetchingContent) || rec.calls[1].err == nil {
		t.Errorf("recorded = %+v", rec.calls)
	}
}

func TestSelect_IncompleteContentIsInvalid(t *testing.T) {
	h := newHarness()
	h.content.fn = func(_ context.Context, req ContentRequest) (echo.Result, error) {
		r := validContent(req)
		delete(r.Posts, echo.PlatformShort)
		return r, nil
	}
	o := h.orchestrator()
	o.Scan(context.Background(), ScanRequest{DateContext: testDate()})

	_, err := o.Select(context.Background(), SelectRequest{})
	if !errors.Is(err, &echo.Error{Kind: echo.KindContentFetchFailed, Cause: echo.CauseInvalid}) {
		t.Fatalf("err = %v, want invalid ContentFetchFailed", err)
	}
}

func TestSelect_ImageFailureDropsPartial(t *testing.T) {
	h := newHarness()
	var during Snapshot
	var o *Orchestrator
	h.image.fn = func(context.Context, echo.Result, echo.AspectRatio) (string, error) {
		during = o.Snapshot()
		return "", nil
	}
	o = h.orchestrator()
	o.Scan(context.Background(), ScanRequest{DateContext: testDate()})

	_, err := o.Select(context.Background(), SelectRequest{})
	if !errors.Is(err, echo.ErrImageFetchFailed) {
		t.Fatalf("err = %v, want ImageFetchFailed", err)
	}
	if during.Phase != PhaseGeneratingImage || during.Result == nil || during.Result.ImageURL != "" {
		t.Errorf("snapshot during image phase = %+v", during)
	}
	if snap := o.Snapshot(); snap.Phase != PhaseError || snap.Result != nil {
		t.Errorf("after failure: phase %s result %v", snap.Phase, snap.Result)
	}
}

func TestScan_FailureAndEmpty(t *testing.T) {
	h := newHarness()
	h.rec.fn = func(context.Context, RecommendRequest) ([]echo.Candidate, error) {
		return nil, errors.New("Failed to fetch historical archives.")
	}
	o := h.orchestrator()
	if _, err := o.Scan(context.Background(), ScanRequest{}); !errors.Is(err, echo.ErrRecommendationFetchFailed) {
		t.Fatalf("err = %v, want RecommendationFetchFailed", err)
	}
	if o.Snapshot().Phase != PhaseError {
		t.Fatalf("phase = %s, want error", o.Snapshot().Phase)
	}

	h.rec.fn = func(context.Context, RecommendRequest) ([]echo.Candidate, error) { return nil, nil }
	cands, err := o.Scan(context.Background(), ScanRequest{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if cands == nil || len(cands) != 0 {
		t.Errorf("cands = %#v, want empty non-nil", cands)
	}
	if snap := o.Snapshot(); snap.Phase != PhaseChoosingEvent || snap.Candidates == nil {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestScan_EmptyEncodesAsList(t *testing.T) {
	h := newHarness()
	h.rec.fn = func(context.Context, RecommendRequest) ([]echo.Candidate, error) {
		return []echo.Candidate{}, nil
	}
	o := h.orchestrator()
	cands, err := o.Scan(context.Background(), ScanRequest{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	raw, _ := json.Marshal(map[string]any{"candidates": cands})
	if string(raw) != `{"candidates":[]}` {
		t.Errorf("scan result = %s, want empty list", raw)
	}
	snap, _ := json.Marshal(o.Snapshot())
	if !strings.Contains(string(snap), `"candidates":[]`) {
		t.Errorf("snapshot = %s, want empty candidate list", snap)
	}
}

func TestScan_Timeout(t *testing.T) {
	h := newHarness()
	h.rec.fn = func(ctx context.Context, _ RecommendRequest) ([]echo.Candidate, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("recommend: %w", ctx.Err())
	}
	o := h.orchestrator(WithTimeouts(10*time.Millisecond, 0, 0))
	_, err := o.Scan(context.Background(), ScanRequest{})
	if !errors.Is(err, &echo.Error{Kind: echo.KindRecommendationFetchFailed, Cause: echo.CauseTimeout}) {
		t.Fatalf("err = %v, want timeout RecommendationFetchFailed", err)
	}
}

// TestScan_LateResultDiscarded issues a second scan while the first is still
// outstanding; only the second one's candidates may ever be shown.
func TestScan_LateResultDiscarded(t *testing.T) {
	h := newHarness()
	release := make(chan struct{})
	firstStarted := make(chan struct{})
	var calls int
	var mu sync.Mutex
	h.rec.fn = func(_ context.Context, req RecommendRequest) ([]echo.Candidate, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			close(firstStarted)
			<-release
			return []echo.Candidate{{ID: "stale", Title: "first"}}, nil
		}
		return []echo.Candidate{{ID: "fresh", Title: "second"}}, nil
	}

	var seen [][]echo.Candidate
	var seenMu sync.Mutex
	o := h.orchestrator(WithObserver(func(s Snapshot) {
		if s.Phase == PhaseChoosingEvent {
			seenMu.Lock()
			seen = append(seen, s.Candidates)
			seenMu.Unlock()
		}
	}))

	firstErr := make(chan error, 1)
	go func() {
		_, err := o.Scan(context.Background(), ScanRequest{})
		firstErr <- err
	}()
	<-firstStarted

	second, err := o.Scan(context.Background(), ScanRequest{})
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	close(release)

	if err := <-firstErr; !errors.Is(err, echo.ErrSuperseded) {
		t.Fatalf("first Scan err = %v, want ErrSuperseded", err)
	}
	if len(second) != 1 || second[0].ID != "fresh" {
		t.Errorf("second = %+v", second)
	}
	snap := o.Snapshot()
	if len(snap.Candidates) != 1 || snap.Candidates[0].ID != "fresh" {
		t.Errorf("snapshot candidates = %+v", snap.Candidates)
	}
	seenMu.Lock()
	defer seenMu.Unlock()
	for _, cs := range seen {
		for _, c := range cs {
			if c.ID == "stale" {
				t.Fatal("stale candidates were published")
			}
		}
	}
}

func TestReset_DiscardsRunInFlight(t *testing.T) {
	h := newHarness()
	release := make(chan struct{})
	started := make(chan struct{})
	h.content.fn = func(_ context.Context, req ContentRequest) (echo.Result, error) {
		close(started)
		<-release
		return validContent(req), nil
	}
	o := h.orchestrator()
	o.Scan(context.Background(), ScanRequest{DateContext: testDate()})

	done := make(chan error, 1)
	go func() {
		_, err := o.Select(context.Background(), SelectRequest{})
		done <- err
	}()
	<-started
	o.Reset()
	close(release)

	if err := <-done; !errors.Is(err, echo.ErrSuperseded) {
		t.Fatalf("Select err = %v, want ErrSuperseded", err)
	}
	snap := o.Snapshot()
	if snap.Phase != PhaseIdle || snap.Result != nil || snap.Candidates != nil || snap.Selected != nil || snap.Err != nil {
		t.Errorf("after Reset = %+v", snap)
	}
}

func TestObserver_TransitionSequence(t *testing.T) {
	var phases []Phase
	o := newHarness().orchestrator(WithObserver(func(s Snapshot) { phases = append(phases, s.Phase) }))
	o.Scan(context.Background(), ScanRequest{DateContext: testDate()})
	o.Select(context.Background(), SelectRequest{})
	o.Reset()

	want := []Phase{PhaseScanning, PhaseChoosingEvent, PhaseFetchingContent, PhaseGeneratingImage, PhaseCompleted, PhaseIdle}
	if fmt.Sprint(phases) != fmt.Sprint(want) {
		t.Errorf("phases = %v, want %v", phases, want)
	}
}

func TestSnapshot_IsCopy(t *testing.T) {
	o := newHarness().orchestrator()
	o.Scan(context.Background(), ScanRequest{DateContext: testDate()})
	o.Select(context.Background(), SelectRequest{})

	snap := o.Snapshot()
	snap.Candidates[0].Title = "mutated"
	snap.Result.Posts[echo.PlatformShort] = echo.Post{Body: "mutated"}

	again := o.Snapshot()
	if again.Candidates[0].Title == "mutated" || again.Result.Posts[echo.PlatformShort].Body == "mutated" {
		t.Error("Snapshot shares memory with the orchestrator")
	}
}

func TestRestoreAndAmend(t *testing.T) {
	o := newHarness().orchestrator()
	r := validContent(ContentRequest{SelectedEvent: echo.Candidate{ID: "h1", Title: "from history"}})
	r.ImageURL = "data:image/png;base64,AAAA"
	r.SelectedEvent = echo.Candidate{ID: "h1", Title: "from history"}

	if err := o.Restore(echo.Result{}); err == nil {
		t.Fatal("Restore of an incomplete result should fail")
	}
	if err := o.Restore(r); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if snap := o.Snapshot(); snap.Phase != PhaseCompleted || snap.Selected.ID != "h1" {
		t.Fatalf("after Restore = %+v", snap)
	}

	got, err := o.Amend(func(r *echo.Result) { r.ImageOverlayText = "Selah" })
	if err != nil {
		t.Fatalf("Amend: %v", err)
	}
	if got.ImageOverlayText != "Selah" || o.Snapshot().Result.ImageOverlayText != "Selah" {
		t.Error("amendment not applied")
	}
	if _, err := o.Amend(func(r *echo.Result) { r.ImageURL = "" }); err == nil {
		t.Error("Amend removing the image should fail")
	}
	if o.Snapshot().Result.ImageURL == "" {
		t.Error("rejected amendment leaked into state")
	}
}
